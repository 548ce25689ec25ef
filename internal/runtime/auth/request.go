package auth

import (
	"net/http"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport names the way a request reached the service.
type Transport int

const (
	TransportUnknown Transport = iota
	TransportHTTP
	TransportRPC
)

func (t Transport) String() string {
	switch t {
	case TransportHTTP:
		return "http"
	case TransportRPC:
		return "rpc"
	default:
		return "unknown"
	}
}

// RPCMessage is the guard's view of a broker delivery.
type RPCMessage struct {
	Headers amqp.Table
	Body    []byte
	// Data is the decoded envelope data. The guard stores claims under UserKey.
	Data map[string]any
}

// Request is one of HTTPRequest or RPCRequest.
type Request struct {
	transport Transport
	http      *http.Request
	rpc       *RPCMessage
}

func HTTPRequest(r *http.Request) *Request {
	return &Request{transport: TransportHTTP, http: r}
}

func RPCRequest(m *RPCMessage) *Request {
	return &Request{transport: TransportRPC, rpc: m}
}

func (r *Request) Transport() Transport {
	if r == nil {
		return TransportUnknown
	}
	return r.transport
}

// HTTP returns the HTTP request. After a successful Authenticate its context
// carries the claims.
func (r *Request) HTTP() *http.Request {
	if r == nil {
		return nil
	}
	return r.http
}

func (r *Request) RPC() *RPCMessage {
	if r == nil {
		return nil
	}
	return r.rpc
}
