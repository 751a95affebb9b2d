// Package api defines the JSON messages exchanged with keyd clients.
package api

// Message types used on the websocket.
const (
	// TypeReply answers a client request.
	TypeReply = "REPLY"
	// TypeError reports a malformed request.
	TypeError = "ERROR"
)

// Request is an inbound websocket message.
type Request struct {
	// Type is REQ_ENQUEUE or REQ_LEAVE_QUEUE.
	Type string `json:"type"`
	// ID is an optional correlation token echoed in the reply.
	ID string `json:"id,omitempty"`
}

// Reply answers a Request.
type Reply struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	// Status is "DONE!<clientId>" on success, otherwise a "FAIL!" message.
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx HTTP response.
type ErrorResponse struct {
	// ErrorCode is a stable identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable context.
	Detail string `json:"detail,omitempty"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Clients int    `json:"observers"`
}
