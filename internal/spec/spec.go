// Package spec compiles request specifications: raw HTTP/1 request text,
// HTTP/2 requests and single WebSocket frames, with templates that are
// resolved when a specification is frozen.
package spec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/net/http2/hpack"

	"github.com/dtabarie/pathoc/internal/websocket"
)

// Kind tags the variant held by a Request.
type Kind int

const (
	KindHTTP Kind = iota
	KindHTTP2
	KindFrame
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindHTTP2:
		return "http2"
	case KindFrame:
		return "frame"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Field is one header, in the order it was written.
type Field struct {
	Name  string
	Value string
}

// Request is a compiled specification. Only the fields of its Kind are set.
type Request struct {
	Kind Kind

	// KindHTTP: the request exactly as it goes on the wire.
	Raw string
	// Verbatim marks a raw request that is never template-resolved.
	Verbatim bool

	// KindHTTP2.
	Method  string
	Path    string
	Headers []Field
	Body    string

	// KindFrame.
	Opcode  byte
	NoFin   bool
	NoMask  bool
	Length  *uint64
	Payload string

	// Upgrade marks a request that expects a WebSocket upgrade.
	Upgrade bool

	frozen bool
}

// Frozen reports whether every template in r has been resolved.
func (r Request) Frozen() bool {
	return r.frozen
}

// String renders the specification as text. For a frozen request this is
// the canonical form that is fingerprinted.
func (r Request) String() string {
	switch r.Kind {
	case KindHTTP2:
		var b strings.Builder
		fmt.Fprintf(&b, "%s %s HTTP/2\r\n", r.Method, r.Path)
		for _, h := range r.Headers {
			fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
		}
		b.WriteString("\r\n")
		b.WriteString(r.Body)
		return b.String()
	case KindFrame:
		op := "frame " + websocket.OpcodeName(r.Opcode)
		if r.NoFin {
			op += ",nofin"
		}
		if r.NoMask {
			op += ",nomask"
		}
		if r.Length != nil {
			op += fmt.Sprintf(",len=%d", *r.Length)
		}
		if r.Payload == "" {
			return op
		}
		return op + " " + r.Payload
	default:
		return r.Raw
	}
}

// Fingerprint hashes the textual form of r.
func Fingerprint(r Request) string {
	sum := sha256.Sum256([]byte(r.Kind.String() + "\n" + r.String()))
	return hex.EncodeToString(sum[:])
}

// Serialized is a request ready for the wire.
type Serialized struct {
	Bytes []byte
	// Upgrade is set when a 101 response must start a frame reader.
	Upgrade bool
	// Method is the request method, empty for frames. A HEAD response
	// carries no body.
	Method string
	// StreamID is the HTTP/2 stream the request was framed on.
	StreamID uint32
}

// Protocol frames HTTP/2 requests with connection-scoped state.
type Protocol interface {
	EncodeRequest(fields []hpack.HeaderField, body []byte) (uint32, []byte, error)
}

// Settings is the connection state a specification is resolved against.
type Settings struct {
	// Host replaces {{host}}.
	Host string
	// Protocol frames HTTP/2 requests. Nil on HTTP/1 connections.
	Protocol Protocol
}

// Compiler turns specification text into requests and requests into bytes.
type Compiler interface {
	Compile(text string, http2 bool) ([]Request, error)
	Freeze(req Request, s *Settings) (Request, error)
	Serialize(req Request, s *Settings) (Serialized, error)
}
