// Package http1 reads HTTP/1.x responses off a raw stream without
// normalising them: header order and spelling are kept as received.
package http1

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	maxHeaderBytes = 64 * 1024
	maxLineBytes   = maxHeaderBytes
)

// ErrClosed is returned when the peer closed the stream before a status line.
var ErrClosed = errors.New("server disconnected")

// ProtocolError reports bytes that do not follow HTTP/1.x response framing.
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

// Header is one header line as received.
type Header struct {
	Name  string
	Value string
}

// Response is a fully read HTTP/1.x response.
type Response struct {
	Proto      string
	StatusCode int
	Reason     string
	Headers    []Header
	Body       []byte
}

// ReadResponse reads a status line, the header block and the body. The
// request method decides whether a body is expected at all. A non-zero limit
// caps the body size.
func ReadResponse(r *bufio.Reader, method string, limit int64) (*Response, error) {
	proto, code, reason, err := ReadStatusLine(r)
	if err != nil {
		return nil, err
	}
	headers, err := ReadHeaders(r)
	if err != nil {
		return nil, err
	}
	resp := &Response{
		Proto:      proto,
		StatusCode: code,
		Reason:     reason,
		Headers:    headers,
	}
	if !expectsBody(method, code) {
		return resp, nil
	}

	switch {
	case isChunked(headers):
		body, trailers, err := readChunkedBody(r, limit)
		if err != nil {
			return nil, err
		}
		resp.Body = body
		resp.Headers = append(resp.Headers, trailers...)
	default:
		length, ok, err := contentLength(headers)
		if err != nil {
			return nil, err
		}
		if ok {
			resp.Body, err = readFixedBody(r, length, limit)
		} else {
			resp.Body, err = readUntilClose(r, limit)
		}
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// ReadStatusLine reads "HTTP/x.y code reason". ErrClosed is returned when the
// stream ends before any byte of the line arrives.
func ReadStatusLine(r *bufio.Reader) (proto string, code int, reason string, err error) {
	line, err := readLine(r)
	if err != nil {
		if errors.Is(err, io.EOF) && line == "" {
			return "", 0, "", ErrClosed
		}
		return "", 0, "", err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return "", 0, "", &ProtocolError{Msg: fmt.Sprintf("invalid status line %q", line)}
	}
	code, err = strconv.Atoi(parts[1])
	if err != nil || len(parts[1]) != 3 {
		return "", 0, "", &ProtocolError{Msg: fmt.Sprintf("invalid status code %q", parts[1])}
	}
	if len(parts) == 3 {
		reason = parts[2]
	}
	return parts[0], code, reason, nil
}

// ReadHeaders reads header lines up to and including the blank line.
// Folded continuation lines are joined onto the previous value.
func ReadHeaders(r *bufio.Reader) ([]Header, error) {
	var headers []Header
	total := 0
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		total += len(line) + 2
		if total > maxHeaderBytes {
			return nil, &ProtocolError{Msg: "header block exceeds maximum size"}
		}
		if line == "" {
			return headers, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(headers) == 0 {
				return nil, &ProtocolError{Msg: fmt.Sprintf("continuation line without header %q", line)}
			}
			last := &headers[len(headers)-1]
			last.Value += " " + strings.TrimSpace(line)
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			return nil, &ProtocolError{Msg: fmt.Sprintf("invalid header line %q", line)}
		}
		headers = append(headers, Header{
			Name:  line[:idx],
			Value: strings.TrimSpace(line[idx+1:]),
		})
	}
}

// Get returns the first value of the named header, case-insensitively.
func Get(headers []Header, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

func expectsBody(method string, code int) bool {
	if strings.EqualFold(method, "HEAD") {
		return false
	}
	if code >= 100 && code < 200 {
		return false
	}
	return code != 204 && code != 304
}

func isChunked(headers []Header) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Transfer-Encoding") && strings.Contains(strings.ToLower(h.Value), "chunked") {
			return true
		}
	}
	return false
}

func contentLength(headers []Header) (int64, bool, error) {
	v, ok := Get(headers, "Content-Length")
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false, &ProtocolError{Msg: fmt.Sprintf("invalid content-length %q", v)}
	}
	return n, true, nil
}

// readLine reads one line without its line ending. Lines longer than
// maxLineBytes are a ProtocolError.
func readLine(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		frag, err := r.ReadSlice('\n')
		if len(buf)+len(frag) > maxLineBytes {
			return "", &ProtocolError{Msg: fmt.Sprintf("line exceeds %d bytes", maxLineBytes)}
		}
		buf = append(buf, frag...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return string(buf), err
		}
		break
	}
	line := strings.TrimSuffix(string(buf), "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

func checkLimit(n, limit int64) error {
	if limit > 0 && n > limit {
		return limitError(limit)
	}
	return nil
}

func limitError(limit int64) error {
	return &ProtocolError{Msg: fmt.Sprintf("body exceeds limit of %d bytes", limit)}
}

func readFixedBody(r *bufio.Reader, length, limit int64) ([]byte, error) {
	if err := checkLimit(length, limit); err != nil {
		return nil, err
	}
	var body bytes.Buffer
	if err := copyN(&body, r, length); err != nil {
		return nil, err
	}
	return body.Bytes(), nil
}

// copyN copies exactly n bytes, growing dst as data arrives rather than
// trusting n up front.
func copyN(dst *bytes.Buffer, r io.Reader, n int64) error {
	if _, err := io.CopyN(dst, r, n); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

func readUntilClose(r *bufio.Reader, limit int64) ([]byte, error) {
	var src io.Reader = r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	body, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	if err := checkLimit(int64(len(body)), limit); err != nil {
		return nil, err
	}
	return body, nil
}

func readChunkedBody(r *bufio.Reader, limit int64) ([]byte, []Header, error) {
	var body bytes.Buffer
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, nil, err
		}
		sizeStr := strings.TrimSpace(strings.Split(line, ";")[0]) // Ignore extensions
		size, err := strconv.ParseInt(sizeStr, 16, 64)
		if err != nil || size < 0 {
			return nil, nil, &ProtocolError{Msg: fmt.Sprintf("invalid chunk size %q", sizeStr)}
		}
		if size == 0 {
			break
		}
		if limit > 0 && size > limit-int64(body.Len()) {
			return nil, nil, limitError(limit)
		}
		if err := copyN(&body, r, size); err != nil {
			return nil, nil, err
		}

		crlf, err := readLine(r)
		if err != nil {
			return nil, nil, err
		}
		if crlf != "" {
			return nil, nil, &ProtocolError{Msg: "missing CRLF after chunk data"}
		}
	}

	trailers, err := ReadHeaders(r)
	if err != nil {
		return nil, nil, err
	}
	return body.Bytes(), trailers, nil
}
