package webclient

import "context"

// WebClient performs single HTTP exchanges.
type WebClient interface {
	Do(ctx context.Context, req *Request) (*Response, error)

	Close() error
}
