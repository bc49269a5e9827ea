package client

import (
	"errors"
	"io"
	"iter"
	"net"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/dtabarie/pathoc/internal/exchangelog"
	"github.com/dtabarie/pathoc/internal/h2"
	"github.com/dtabarie/pathoc/internal/http1"
	"github.com/dtabarie/pathoc/internal/spec"
	"github.com/dtabarie/pathoc/internal/websocket"
)

// ErrNotConnected is returned by exchanges attempted before Connect.
var ErrNotConnected = errors.New("not connected")

// ErrUpgraded is returned by Execute while a frame reader owns the
// connection's reads.
var ErrUpgraded = errors.New("connection is upgraded to websocket; only frames can be sent")

// Request runs one compiled request: frames are sent with SendFrame,
// everything else goes through Execute. Frames produce no Response.
func (c *Client) Request(req spec.Request) (*Response, error) {
	switch req.Kind {
	case spec.KindFrame:
		return nil, c.SendFrame(req)
	default:
		return c.Execute(req)
	}
}

// Execute writes an HTTP/1 or HTTP/2 request and reads its whole response.
// A 101 response to an upgrade request starts a frame reader on the
// connection before Execute returns.
func (c *Client) Execute(req spec.Request) (*Response, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	if r := c.reader.Load(); r != nil && !r.Stopped() {
		return nil, ErrUpgraded
	}

	l := c.sink.Open()
	defer func() { _ = l.Close() }()
	l.Write(">> " + exchangelog.Escape([]byte(req.String())))

	s, err := c.compiler.Serialize(req, &c.settings)
	if err != nil {
		l.Printf("Invalid request: %v", err)
		return nil, err
	}
	c.logOutbound(l, s)

	protocol := "HTTP/1"
	if c.session != nil {
		protocol = "HTTP/2"
	}

	if c.opts.ShowResponse {
		c.rec.startCapture()
	}
	c.active = l
	var resp *Response
	err = c.withDeadline(func() error {
		if _, err := c.rec.Write(s.Bytes); err != nil {
			return &phaseError{phase: "write", err: err}
		}
		var err error
		if c.session != nil {
			resp, err = c.readHTTP2(s.StreamID)
		} else {
			resp, err = c.readHTTP1(s.Method)
		}
		return err
	})
	c.active = nil
	if c.opts.ShowResponse {
		l.Dump("<<", c.rec.stopCapture())
	}

	if err != nil {
		phase := "read"
		var pe *phaseError
		if errors.As(err, &pe) {
			phase, err = pe.phase, pe.err
		}
		err = c.classify(protocol, phase, err)
		c.logFailure(l, err)
		return nil, err
	}

	l.Summary(resp.StatusCode, resp.Reason, len(resp.Body))
	if slices.Contains(c.opts.IgnoreCodes, resp.StatusCode) {
		l.Suppress()
	}

	if s.Upgrade && resp.StatusCode == 101 {
		c.startReader()
	}
	return resp, nil
}

// SendFrame writes one WebSocket frame. No response is read.
func (c *Client) SendFrame(req spec.Request) error {
	if c.conn == nil {
		return ErrNotConnected
	}

	l := c.sink.Open()
	defer func() { _ = l.Close() }()
	l.Write(">> " + exchangelog.Escape([]byte(req.String())))

	s, err := c.compiler.Serialize(req, &c.settings)
	if err != nil {
		l.Printf("Invalid request: %v", err)
		return err
	}
	c.logOutbound(l, s)

	// The frame reader may own the read deadline.
	if c.opts.Timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.Timeout))
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	if _, err := c.rec.Write(s.Bytes); err != nil {
		err = c.classify("websocket", "write", err)
		c.logFailure(l, err)
		return err
	}
	return nil
}

// Wait yields frames from the frame reader. Without a reader it yields
// nothing. See websocket.Reader.Wait for the timeout semantics.
func (c *Client) Wait(timeout time.Duration, finish bool) iter.Seq[*websocket.Frame] {
	r := c.reader.Load()
	if r == nil {
		return func(func(*websocket.Frame) bool) {}
	}
	return r.Wait(timeout, finish)
}

func (c *Client) startReader() {
	if prev := c.reader.Load(); prev != nil {
		prev.Stop()
	}
	r := websocket.Start(c.rec, c.br, websocket.Options{
		Limit:       c.opts.WSReadLimit,
		Idle:        c.opts.Timeout,
		Sink:        c.sink,
		ShowPayload: c.opts.ShowResponse,
		Logger:      c.logger,
	})
	c.reader.Store(r)
	c.logger.Debug("websocket frame reader started", zap.Int("limit", c.opts.WSReadLimit))
}

func (c *Client) readHTTP1(method string) (*Response, error) {
	r, err := http1.ReadResponse(c.br, method, c.opts.BodyLimit)
	if err != nil {
		return nil, err
	}
	return &Response{
		Proto:      r.Proto,
		StatusCode: r.StatusCode,
		Reason:     r.Reason,
		Headers:    r.Headers,
		Body:       r.Body,
		SSLInfo:    c.sslInfo,
	}, nil
}

func (c *Client) readHTTP2(streamID uint32) (*Response, error) {
	r, err := c.session.ReadResponse(streamID)
	if err != nil {
		return nil, err
	}
	headers := make([]Header, 0, len(r.Headers))
	for _, f := range r.Headers {
		headers = append(headers, Header{Name: f.Name, Value: f.Value})
	}
	return &Response{
		Proto:      "HTTP/2",
		StatusCode: r.StatusCode,
		Headers:    headers,
		Body:       r.Body,
		SSLInfo:    c.sslInfo,
	}, nil
}

// withDeadline runs fn with the exchange timeout applied to the whole
// connection and clears it afterwards.
func (c *Client) withDeadline(fn func() error) error {
	if c.opts.Timeout <= 0 {
		return fn()
	}
	if err := c.conn.SetDeadline(time.Now().Add(c.opts.Timeout)); err != nil {
		return err
	}
	err := fn()
	_ = c.conn.SetDeadline(time.Time{})
	return err
}

type phaseError struct {
	phase string
	err   error
}

func (e *phaseError) Error() string { return e.phase + ": " + e.err.Error() }

func (e *phaseError) Unwrap() error { return e.err }

// classify maps an exchange failure onto the error taxonomy.
func (c *Client) classify(protocol, phase string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Phase: phase, Err: err}
	}
	var p1 *http1.ProtocolError
	var p2 *h2.ProtocolError
	switch {
	case errors.As(err, &p1), errors.As(err, &p2),
		errors.Is(err, http1.ErrClosed),
		errors.Is(err, io.ErrUnexpectedEOF),
		phase == "read" && errors.Is(err, io.EOF):
		return &MalformedResponseError{Protocol: protocol, Err: err}
	}
	return &ConnectionError{Addr: c.opts.Address, Phase: phase, Err: err}
}

func (c *Client) logOutbound(l *exchangelog.Log, s spec.Serialized) {
	if c.opts.ShowRequest {
		l.Dump(">>", s.Bytes)
	}
	if c.opts.FrameDump && c.session != nil {
		for _, line := range h2.DescribeFrames(s.Bytes) {
			l.Write(">> " + line)
		}
	}
}

func (c *Client) logFailure(l *exchangelog.Log, err error) {
	var (
		te *TimeoutError
		me *MalformedResponseError
	)
	switch {
	case errors.As(err, &te) && c.opts.IgnoreTimeout:
		l.Write("Timeout (ignored)")
	case errors.As(err, &te):
		l.Write("Timeout")
	case errors.As(err, &me):
		l.Printf("Invalid server response: %v", me.Err)
	default:
		l.Printf("Error: %v", err)
	}
	c.logger.Debug("exchange failed",
		zap.String("target", c.opts.Address),
		zap.Error(err))
}

func (c *Client) traceFrame(f http2.Frame) {
	if c.active != nil {
		c.active.Write("<< " + f.Header().String())
	}
}
