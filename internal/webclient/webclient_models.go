package webclient

import (
	"net/http"
	"time"
)

type Request struct {
	Method  string
	URL     string
	Headers http.Header
	// Host overrides the Host header sent on the wire.
	Host string
	Body []byte
	// LastByteAt, when set, holds back the final body byte until that instant.
	LastByteAt time.Time
}

type Response struct {
	Request    *Request
	Headers    http.Header
	Body       []byte
	StatusCode int
	// SentAt is taken right before the request is handed to the transport,
	// FetchedAt once the response headers arrived.
	SentAt    time.Time
	FetchedAt time.Time
}
