package client

import (
	"fmt"

	"github.com/dtabarie/pathoc/internal/exchangelog"
	"github.com/dtabarie/pathoc/internal/http1"
)

// Header is one response header, as received.
type Header = http1.Header

// Response is one completed exchange. Headers keep wire order.
type Response struct {
	Proto      string
	StatusCode int
	Reason     string
	Headers    []Header
	Body       []byte
	// SSLInfo is the TLS session the response arrived on, nil if plain.
	SSLInfo *SSLInfo
}

// Summary renders the response on one line.
func (r *Response) Summary() string {
	return fmt.Sprintf("<< %d %s: %d bytes", r.StatusCode, exchangelog.Escape([]byte(r.Reason)), len(r.Body))
}

// Header returns the first value of the named header.
func (r *Response) Header(name string) (string, bool) {
	return http1.Get(r.Headers, name)
}

func (r *Response) String() string {
	return fmt.Sprintf("Response(%d - %s)", r.StatusCode, r.Reason)
}
