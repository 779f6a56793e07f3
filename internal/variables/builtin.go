package variables

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// BuiltinVariables resolves the fixed set of variable names exposed to
// access-log formats and header-rewrite templates.
type BuiltinVariables struct{}

// NewBuiltinVariables creates a new builtin variables provider.
func NewBuiltinVariables() *BuiltinVariables {
	return &BuiltinVariables{}
}

// Get returns the value of a built-in variable.
func (b *BuiltinVariables) Get(name string, ctx *Context) (string, bool) {
	if prefix, suffix, ok := ParseDynamic(name); ok {
		return b.getDynamic(prefix, suffix, ctx)
	}

	switch name {
	case "request_id":
		return ctx.RequestID, true
	case "request_method":
		if ctx.Request != nil {
			return ctx.Request.Method, true
		}
	case "request_uri":
		if ctx.Request != nil {
			return ctx.Request.RequestURI, true
		}
	case "request_path":
		if ctx.Request != nil {
			return ctx.Request.URL.Path, true
		}
	case "query_string":
		if ctx.Request != nil {
			return ctx.Request.URL.RawQuery, true
		}
	case "remote_addr":
		if ctx.Request != nil {
			return ExtractClientIP(ctx.Request), true
		}
	case "remote_port":
		if ctx.Request != nil {
			_, port, _ := net.SplitHostPort(ctx.Request.RemoteAddr)
			return port, true
		}
	case "scheme":
		if ctx.Request != nil {
			if ctx.Request.TLS != nil {
				return "https", true
			}
			return "http", true
		}
	case "host":
		if ctx.Request != nil {
			return ctx.Request.Host, true
		}
	case "content_type":
		if ctx.Request != nil {
			return ctx.Request.Header.Get("Content-Type"), true
		}
	case "content_length":
		if ctx.Request != nil {
			return strconv.FormatInt(ctx.Request.ContentLength, 10), true
		}
	case "upstream_addr":
		return ctx.UpstreamAddr, true
	case "upstream_status":
		return strconv.Itoa(ctx.UpstreamStatus), true
	case "upstream_response_time":
		return fmt.Sprintf("%.3f", ctx.UpstreamResponseTime.Seconds()), true
	case "status":
		return strconv.Itoa(ctx.Status), true
	case "body_bytes_sent":
		return strconv.FormatInt(ctx.BodyBytesSent, 10), true
	case "response_time":
		return fmt.Sprintf("%.3f", ctx.ResponseTime.Seconds()), true
	case "time_iso8601":
		return time.Now().Format(time.RFC3339), true
	case "route_id":
		return ctx.RouteID, true
	case "auth_user_id":
		if ctx.Identity != nil {
			return strconv.FormatInt(ctx.Identity.UserID, 10), true
		}
		return "", true
	case "auth_username":
		if ctx.Identity != nil {
			return ctx.Identity.Username, true
		}
		return "", true
	case "auth_type":
		if ctx.Identity != nil {
			return ctx.Identity.AuthType, true
		}
		return "", true
	}

	return "", false
}

// getDynamic handles dynamic variable prefixes such as $http_<name>.
func (b *BuiltinVariables) getDynamic(prefix, suffix string, ctx *Context) (string, bool) {
	switch prefix {
	case "http":
		if ctx.Request != nil {
			return ctx.Request.Header.Get(NormalizeHeaderName(suffix)), true
		}
	case "arg":
		if ctx.Request != nil {
			return ctx.Request.URL.Query().Get(suffix), true
		}
	case "cookie":
		if ctx.Request != nil {
			if c, err := ctx.Request.Cookie(suffix); err == nil {
				return c.Value, true
			}
			return "", true
		}
	case "route_param":
		if ctx.PathParams != nil {
			return ctx.PathParams[suffix], true
		}
	case "jwt_claim":
		if ctx.Identity != nil && ctx.Identity.Claims != nil {
			if val, ok := ctx.Identity.Claims[suffix]; ok {
				return fmt.Sprintf("%v", val), true
			}
		}
		return "", true
	}
	return "", false
}
