// Package h2 drives a single HTTP/2 connection by hand: it writes the client
// preface, frames requests with connection-scoped HPACK state and reads one
// response at a time. There is no stream multiplexing.
package h2

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// ALPN is the protocol identifier negotiated for HTTP/2 over TLS.
const ALPN = http2.NextProtoTLS

const (
	headerTableSize = 4096
	maxFrameSize    = 16384
)

// ProtocolError reports a response that broke HTTP/2 framing or semantics.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Response is a complete response read from one stream.
type Response struct {
	StatusCode int
	Headers    []hpack.HeaderField
	Body       []byte
}

// Session holds the per-connection HTTP/2 state.
type Session struct {
	w      io.Writer
	framer *http2.Framer

	encBuf  bytes.Buffer
	enc     *hpack.Encoder
	dec     *hpack.Decoder
	out     bytes.Buffer
	encoder *http2.Framer

	nextStreamID uint32

	// Trace, when set, is called for every frame read from the peer.
	Trace func(f http2.Frame)
}

// NewSession returns a session writing to w and reading from r.
func NewSession(w io.Writer, r io.Reader) *Session {
	s := &Session{
		w:            w,
		framer:       http2.NewFramer(w, r),
		dec:          hpack.NewDecoder(headerTableSize, nil),
		nextStreamID: 1,
	}
	s.enc = hpack.NewEncoder(&s.encBuf)
	s.encoder = http2.NewFramer(&s.out, nil)
	s.encoder.AllowIllegalWrites = true
	s.framer.AllowIllegalReads = true
	return s
}

// WritePreface sends the client connection preface and an empty SETTINGS
// frame.
func (s *Session) WritePreface() error {
	if _, err := io.WriteString(s.w, http2.ClientPreface); err != nil {
		return fmt.Errorf("failed to send client preface: %w", err)
	}
	if err := s.framer.WriteSettings(); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// EncodeRequest frames one request on the next client stream. Fields are
// HPACK-encoded in the given order, pseudo-headers included, with no
// validation. The returned bytes are not written anywhere.
func (s *Session) EncodeRequest(fields []hpack.HeaderField, body []byte) (uint32, []byte, error) {
	streamID := s.nextStreamID
	s.nextStreamID += 2

	s.encBuf.Reset()
	for _, f := range fields {
		if err := s.enc.WriteField(f); err != nil {
			return 0, nil, fmt.Errorf("failed to encode header %q: %w", f.Name, err)
		}
	}
	block := s.encBuf.Bytes()

	s.out.Reset()
	first := block
	if len(first) > maxFrameSize {
		first = block[:maxFrameSize]
	}
	rest := block[len(first):]
	if err := s.encoder.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: first,
		EndStream:     len(body) == 0,
		EndHeaders:    len(rest) == 0,
	}); err != nil {
		return 0, nil, fmt.Errorf("failed to write headers: %w", err)
	}
	for len(rest) > 0 {
		n := min(len(rest), maxFrameSize)
		if err := s.encoder.WriteContinuation(streamID, n == len(rest), rest[:n]); err != nil {
			return 0, nil, fmt.Errorf("failed to write continuation: %w", err)
		}
		rest = rest[n:]
	}
	for len(body) > 0 {
		n := min(len(body), maxFrameSize)
		if err := s.encoder.WriteData(streamID, n == len(body), body[:n]); err != nil {
			return 0, nil, fmt.Errorf("failed to write data: %w", err)
		}
		body = body[n:]
	}

	return streamID, bytes.Clone(s.out.Bytes()), nil
}

// ReadResponse reads frames until the response on streamID is complete.
// SETTINGS and PING are answered, DATA is acknowledged with WINDOW_UPDATE,
// and header blocks of other streams are decoded to keep HPACK in sync.
func (s *Session) ReadResponse(streamID uint32) (*Response, error) {
	var (
		resp      *Response
		block     []byte
		blockFor  uint32
		blockEnds bool
	)
	for {
		frame, err := s.framer.ReadFrame()
		if err != nil {
			var ce http2.ConnectionError
			var se http2.StreamError
			if errors.As(err, &ce) || errors.As(err, &se) {
				return nil, &ProtocolError{Msg: "invalid frame", Err: err}
			}
			return nil, err
		}
		if s.Trace != nil {
			s.Trace(frame)
		}

		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if !f.IsAck() {
				if err := s.framer.WriteSettingsAck(); err != nil {
					return nil, fmt.Errorf("failed to write SETTINGS ACK: %w", err)
				}
			}

		case *http2.PingFrame:
			if !f.IsAck() {
				if err := s.framer.WritePing(true, f.Data); err != nil {
					return nil, fmt.Errorf("failed to write PING ACK: %w", err)
				}
			}

		case *http2.HeadersFrame:
			block = append(block[:0], f.HeaderBlockFragment()...)
			blockFor, blockEnds = f.StreamID, f.StreamEnded()
			if !f.HeadersEnded() {
				continue
			}
			done, err := s.endBlock(streamID, blockFor, block, blockEnds, &resp)
			if err != nil {
				return nil, err
			}
			if done {
				return resp, nil
			}

		case *http2.ContinuationFrame:
			if f.StreamID != blockFor {
				return nil, &ProtocolError{Msg: fmt.Sprintf("CONTINUATION for stream %d interrupts stream %d", f.StreamID, blockFor)}
			}
			block = append(block, f.HeaderBlockFragment()...)
			if !f.HeadersEnded() {
				continue
			}
			done, err := s.endBlock(streamID, blockFor, block, blockEnds, &resp)
			if err != nil {
				return nil, err
			}
			if done {
				return resp, nil
			}

		case *http2.DataFrame:
			if n := uint32(len(f.Data())); n > 0 {
				if err := s.framer.WriteWindowUpdate(0, n); err != nil {
					return nil, fmt.Errorf("failed to write WINDOW_UPDATE: %w", err)
				}
				if !f.StreamEnded() {
					if err := s.framer.WriteWindowUpdate(f.StreamID, n); err != nil {
						return nil, fmt.Errorf("failed to write WINDOW_UPDATE: %w", err)
					}
				}
			}
			if f.StreamID != streamID {
				continue
			}
			if resp == nil {
				return nil, &ProtocolError{Msg: "DATA before HEADERS"}
			}
			resp.Body = append(resp.Body, f.Data()...)
			if f.StreamEnded() {
				return resp, nil
			}

		case *http2.RSTStreamFrame:
			if f.StreamID == streamID {
				return nil, &ProtocolError{Msg: fmt.Sprintf("stream reset by server: %v", f.ErrCode)}
			}

		case *http2.GoAwayFrame:
			return nil, &ProtocolError{Msg: fmt.Sprintf("server sent GOAWAY: %v (last stream %d) %q",
				f.ErrCode, f.LastStreamID, f.DebugData())}
		}
	}
}

// endBlock decodes a complete header block and folds it into resp when it
// belongs to streamID. It reports whether the response is complete.
func (s *Session) endBlock(streamID, blockFor uint32, block []byte, endStream bool, resp **Response) (bool, error) {
	fields, err := s.dec.DecodeFull(block)
	if err != nil {
		return false, &ProtocolError{Msg: "failed to decode headers", Err: err}
	}
	if blockFor != streamID {
		return false, nil
	}

	if *resp != nil {
		// Trailers.
		(*resp).Headers = append((*resp).Headers, regular(fields)...)
		return endStream, nil
	}

	status, err := statusOf(fields)
	if err != nil {
		return false, err
	}
	if status >= 100 && status < 200 && !endStream {
		// Informational; the final response follows.
		return false, nil
	}
	*resp = &Response{StatusCode: status, Headers: regular(fields)}
	return endStream, nil
}

func statusOf(fields []hpack.HeaderField) (int, error) {
	for _, f := range fields {
		if f.Name == ":status" {
			code, err := strconv.Atoi(f.Value)
			if err != nil || len(f.Value) != 3 {
				return 0, &ProtocolError{Msg: fmt.Sprintf("invalid :status %q", f.Value)}
			}
			return code, nil
		}
	}
	return 0, &ProtocolError{Msg: "response without :status"}
}

func regular(fields []hpack.HeaderField) []hpack.HeaderField {
	out := make([]hpack.HeaderField, 0, len(fields))
	for _, f := range fields {
		if !strings.HasPrefix(f.Name, ":") {
			out = append(out, f)
		}
	}
	return out
}

// DescribeFrames renders each frame in raw as one line, for frame dumps of
// outbound bytes.
func DescribeFrames(raw []byte) []string {
	fr := http2.NewFramer(nil, bytes.NewReader(raw))
	fr.AllowIllegalReads = true
	var lines []string
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				lines = append(lines, fmt.Sprintf("unparseable frame data: %v", err))
			}
			return lines
		}
		lines = append(lines, f.Header().String())
	}
}
