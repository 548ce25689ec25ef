package auth

import (
	"github.com/drblury/rpcflow/internal/runtime/jsoncodec"
)

// HeaderAuthorization is the RPC header carrying "Bearer <token>".
const HeaderAuthorization = "authorization"

// body locations searched, in order, when an RPC delivery has no headers.
var rpcHeaderPaths = [][]string{
	{"options", "headers"},
	{"data", "options", "headers"},
	{"data", "headers"},
}

// ExtractBearerToken returns the raw authorization value of req, or "" when
// there is none. It never panics.
func ExtractBearerToken(req *Request) string {
	switch req.Transport() {
	case TransportHTTP:
		if r := req.HTTP(); r != nil {
			return r.Header.Get("Authorization")
		}
	case TransportRPC:
		return rpcAuthorization(req.RPC())
	}
	return ""
}

func rpcAuthorization(m *RPCMessage) string {
	if m == nil {
		return ""
	}
	if len(m.Headers) > 0 {
		return stringValue(m.Headers[HeaderAuthorization])
	}
	if len(m.Body) == 0 {
		return ""
	}
	var body map[string]any
	if err := jsoncodec.Unmarshal(m.Body, &body); err != nil {
		return ""
	}
	for _, path := range rpcHeaderPaths {
		if headers, ok := lookupMap(body, path); ok {
			return stringValue(headers[HeaderAuthorization])
		}
	}
	return ""
}

func lookupMap(root map[string]any, path []string) (map[string]any, bool) {
	current := root
	for _, key := range path {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}
