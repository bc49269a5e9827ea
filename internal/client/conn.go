// Package client owns one connection to the target: it dials, tunnels,
// negotiates TLS and HTTP/2, executes compiled requests and hands upgraded
// connections to a WebSocket frame reader.
package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dtabarie/pathoc/internal/exchangelog"
	"github.com/dtabarie/pathoc/internal/h2"
	"github.com/dtabarie/pathoc/internal/http1"
	"github.com/dtabarie/pathoc/internal/spec"
	"github.com/dtabarie/pathoc/internal/websocket"
)

// Buffer size for reading network data
const defaultBufferSize = 4096

// Options configures a Client.
type Options struct {
	// Address is the host:port dialed.
	Address string
	// ConnectTo, when set, is the host:port requested with CONNECT once
	// the TCP connection to Address is up.
	ConnectTo string

	TLS        bool
	SNI        string
	ClientCert string // PEM file holding certificate and key
	SSLVersion string // SSLv23, TLSv1, TLSv1_1, TLSv1_2, TLSv1_3
	Ciphers    string // IANA suite names, colon or comma separated
	Verify     bool

	HTTP2       bool
	SkipPreface bool
	FrameDump   bool

	// WSReadLimit stops the frame reader after this many frames. Zero
	// means no limit.
	WSReadLimit int
	// Timeout bounds dialing, every exchange and frame reader idleness.
	Timeout time.Duration

	ShowRequest  bool
	ShowResponse bool
	ShowSSL      bool
	BodyLimit    int64
	IgnoreCodes  []int
	// IgnoreTimeout only changes how a timeout is logged; the error is
	// still returned.
	IgnoreTimeout bool

	Compiler spec.Compiler
	Sink     *exchangelog.Sink
	Logger   *zap.Logger
}

// Client is one connection to the target. It is used from a single
// goroutine; only Stop and Close may be called concurrently.
type Client struct {
	opts     Options
	logger   *zap.Logger
	sink     *exchangelog.Sink
	compiler spec.Compiler

	conn     net.Conn
	rec      *recordingConn
	br       *bufio.Reader
	session  *h2.Session
	settings spec.Settings
	sslInfo  *SSLInfo

	// active is the exchange log frame traces go to.
	active *exchangelog.Log

	reader    atomic.Pointer[websocket.Reader]
	closeOnce sync.Once
	closeErr  error
}

// New returns an unconnected client.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := opts.Sink
	if sink == nil {
		sink = exchangelog.NewSink(io.Discard, false, false)
	}
	compiler := opts.Compiler
	if compiler == nil {
		compiler = &spec.Text{}
	}
	return &Client{
		opts:     opts,
		logger:   logger.Named("client"),
		sink:     sink,
		compiler: compiler,
	}
}

// Connect establishes the connection: TCP, then the CONNECT tunnel, then TLS,
// then the HTTP/2 preface, as configured. HTTP/2 without TLS fails before any
// network I/O.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil {
		return errors.New("already connected")
	}
	if c.opts.HTTP2 && !c.opts.TLS {
		return &CapabilityError{Msg: "HTTP/2 requires TLS"}
	}
	var tlsConfig *tls.Config
	if c.opts.TLS {
		var err error
		if tlsConfig, err = c.tlsConfig(); err != nil {
			return err
		}
	}

	c.logger.Debug("connecting", zap.String("target", c.opts.Address))
	d := net.Dialer{Timeout: c.opts.Timeout}
	raw, err := d.DialContext(ctx, "tcp", c.opts.Address)
	if err != nil {
		return &ConnectionError{Addr: c.opts.Address, Phase: "connect", Err: err}
	}

	conn, err := c.establish(ctx, raw, tlsConfig)
	if err != nil {
		_ = raw.Close()
		return err
	}

	c.conn = conn
	c.rec = &recordingConn{Conn: conn}
	c.br = bufio.NewReaderSize(c.rec, defaultBufferSize)
	c.settings = spec.Settings{Host: c.requestHost()}

	if c.opts.HTTP2 {
		c.session = h2.NewSession(c.rec, c.br)
		if c.opts.FrameDump {
			c.session.Trace = c.traceFrame
		}
		c.settings.Protocol = c.session
		if !c.opts.SkipPreface {
			if err := c.withDeadline(c.session.WritePreface); err != nil {
				_ = conn.Close()
				c.conn, c.rec, c.br, c.session = nil, nil, nil, nil
				return c.classify("HTTP/2", "http2 preface", err)
			}
		}
	}
	return nil
}

func (c *Client) establish(ctx context.Context, raw net.Conn, tlsConfig *tls.Config) (net.Conn, error) {
	var conn net.Conn = raw
	if c.opts.ConnectTo != "" {
		br := bufio.NewReaderSize(raw, defaultBufferSize)
		if err := c.httpConnect(raw, br); err != nil {
			return nil, err
		}
		conn = &bufferedConn{Conn: raw, r: br}
	}
	if tlsConfig == nil {
		return conn, nil
	}

	tc := tls.Client(conn, tlsConfig)
	hctx := ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	if err := tc.HandshakeContext(hctx); err != nil {
		return nil, &ConnectionError{Addr: c.opts.Address, Phase: "tls handshake", Err: err}
	}

	state := tc.ConnectionState()
	c.sslInfo = newSSLInfo(state)
	c.logger.Debug("tls established",
		zap.String("alpn", state.NegotiatedProtocol),
		zap.String("cipher", c.sslInfo.Cipher.Name),
		zap.String("version", c.sslInfo.Cipher.Version))
	if c.opts.ShowSSL {
		l := c.sink.Open()
		l.Write(c.sslInfo.String())
		_ = l.Close()
	}

	if c.opts.HTTP2 && state.NegotiatedProtocol != h2.ALPN {
		return nil, &CapabilityError{Msg: fmt.Sprintf("server did not negotiate HTTP/2 (got %q)", state.NegotiatedProtocol)}
	}
	return tc, nil
}

// httpConnect asks the proxy at the other end of conn to open a tunnel to
// ConnectTo and consumes its response header.
func (c *Client) httpConnect(conn net.Conn, br *bufio.Reader) error {
	target := c.opts.ConnectTo
	if c.opts.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.opts.Timeout))
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\n\r\n", target); err != nil {
		return &ConnectionError{Addr: c.opts.Address, Phase: "proxy connect", Err: err}
	}
	_, code, reason, err := http1.ReadStatusLine(br)
	if err != nil {
		if errors.Is(err, http1.ErrClosed) {
			return &ProxyTunnelError{Target: target, Reason: "connection closed"}
		}
		var pe *http1.ProtocolError
		if errors.As(err, &pe) {
			return &ProxyTunnelError{Target: target, Reason: pe.Error()}
		}
		return &ConnectionError{Addr: c.opts.Address, Phase: "proxy connect", Err: err}
	}
	if code != 200 {
		return &ProxyTunnelError{Target: target, Status: code, Reason: reason}
	}
	if _, err := http1.ReadHeaders(br); err != nil {
		return &ConnectionError{Addr: c.opts.Address, Phase: "proxy connect", Err: err}
	}
	c.logger.Debug("proxy tunnel established", zap.String("target", target))
	return nil
}

func (c *Client) requestHost() string {
	target := c.opts.ConnectTo
	if target == "" {
		target = c.opts.Address
	}
	if host, _, err := net.SplitHostPort(target); err == nil {
		return host
	}
	return target
}

// SSLInfo describes the TLS session, or is nil on a plain connection.
func (c *Client) SSLInfo() *SSLInfo {
	return c.sslInfo
}

// Settings is the state requests are frozen and serialized against.
func (c *Client) Settings() *spec.Settings {
	return &c.settings
}

// Reader returns the frame reader of an upgraded connection, or nil.
func (c *Client) Reader() *websocket.Reader {
	return c.reader.Load()
}

// Stop posts a stop signal to the frame reader, if any, without waiting.
func (c *Client) Stop() {
	if r := c.reader.Load(); r != nil {
		r.Stop()
	}
}

// Close stops the frame reader and closes the connection. It does not wait
// for the reader to end. Calling Close again is a no-op.
func (c *Client) Close() error {
	c.Stop()
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.closeErr = c.conn.Close()
		}
	})
	return c.closeErr
}

// bufferedConn reads through a bufio.Reader that may already hold bytes
// read past a proxy response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (bc *bufferedConn) Read(p []byte) (int, error) {
	return bc.r.Read(p)
}

// recordingConn keeps a copy of the bytes read while capture is on.
type recordingConn struct {
	net.Conn
	capture atomic.Bool

	mu  sync.Mutex
	buf bytes.Buffer
}

func (rc *recordingConn) Read(p []byte) (int, error) {
	n, err := rc.Conn.Read(p)
	if n > 0 && rc.capture.Load() {
		rc.mu.Lock()
		rc.buf.Write(p[:n])
		rc.mu.Unlock()
	}
	return n, err
}

func (rc *recordingConn) startCapture() {
	rc.mu.Lock()
	rc.buf.Reset()
	rc.mu.Unlock()
	rc.capture.Store(true)
}

func (rc *recordingConn) stopCapture() []byte {
	rc.capture.Store(false)
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return bytes.Clone(rc.buf.Bytes())
}

// tlsConfig builds the client TLS configuration. Invalid version or cipher
// settings are capability errors.
func (c *Client) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         c.opts.SNI,
		InsecureSkipVerify: !c.opts.Verify,
		NextProtos:         []string{"http/1.1"},
	}
	if cfg.ServerName == "" && c.opts.Verify {
		cfg.ServerName = c.requestHost()
	}
	if c.opts.HTTP2 {
		cfg.NextProtos = append(cfg.NextProtos, h2.ALPN)
	}

	switch c.opts.SSLVersion {
	case "", "SSLv23":
		cfg.MinVersion = tls.VersionTLS10
	case "TLSv1":
		cfg.MinVersion, cfg.MaxVersion = tls.VersionTLS10, tls.VersionTLS10
	case "TLSv1_1":
		cfg.MinVersion, cfg.MaxVersion = tls.VersionTLS11, tls.VersionTLS11
	case "TLSv1_2":
		cfg.MinVersion, cfg.MaxVersion = tls.VersionTLS12, tls.VersionTLS12
	case "TLSv1_3":
		cfg.MinVersion, cfg.MaxVersion = tls.VersionTLS13, tls.VersionTLS13
	case "SSLv2", "SSLv3":
		return nil, &CapabilityError{Msg: fmt.Sprintf("%s is not supported", c.opts.SSLVersion)}
	default:
		return nil, &CapabilityError{Msg: fmt.Sprintf("unknown SSL version %q", c.opts.SSLVersion)}
	}

	if c.opts.Ciphers != "" {
		suites, err := parseCiphers(c.opts.Ciphers)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = suites
	}

	if c.opts.ClientCert != "" {
		cert, err := tls.LoadX509KeyPair(c.opts.ClientCert, c.opts.ClientCert)
		if err != nil {
			return nil, &CapabilityError{Msg: fmt.Sprintf("failed to load client certificate: %v", err)}
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func parseCiphers(list string) ([]uint16, error) {
	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		known[s.Name] = s.ID
	}

	var ids []uint16
	for _, name := range strings.FieldsFunc(list, func(r rune) bool { return r == ':' || r == ',' }) {
		name = strings.TrimSpace(name)
		id, ok := known[name]
		if !ok {
			return nil, &CapabilityError{Msg: fmt.Sprintf("unknown cipher suite %q", name)}
		}
		ids = append(ids, id)
	}
	return ids, nil
}
