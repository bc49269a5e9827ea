package spec

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	gws "github.com/gorilla/websocket"
	"golang.org/x/net/http2/hpack"

	"github.com/dtabarie/pathoc/internal/websocket"
)

// wsKey is the Sec-WebSocket-Key of generated upgrade requests.
const wsKey = "dGhlIHNhbXBsZSBub25jZQ=="

// Text compiles .http style request text.
//
// Requests are separated by lines starting with "###"; the line break before
// a separator belongs to it. A block is one of:
//
//	HTTP/1 request text, sent as written with CRLF line endings
//	raw: "quoted bytes", or raw: followed by lines sent with bare LF
//	ws:<path> [extra header lines], a WebSocket upgrade request
//	frame <opcode>[,nofin][,nomask][,len=N] [payload], one line per frame
//
// HTTP/1 text need not be valid HTTP: only a missing header terminator is
// added. Raw blocks are sent byte for byte with no templates.
//
// Text starting with "@" names a file: .yaml, .yml and .json files hold
// request documents, .raw and .bin files are one raw request, anything else
// is request text.
type Text struct {
	// Env enables $VAR and ${VAR} expansion when requests are frozen.
	Env bool
	// Getenv looks variables up, os.Getenv if nil.
	Getenv func(string) string
}

var _ Compiler = (*Text)(nil)

// Compile parses text into requests. In HTTP/2 mode raw requests are parsed
// into method, path, headers and body and framed by the connection.
func (t *Text) Compile(text string, http2 bool) ([]Request, error) {
	if path, ok := strings.CutPrefix(text, "@"); ok {
		return compileFile(path, http2)
	}
	return compileText(text, http2)
}

func compileFile(path string, http2 bool) ([]Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".raw", ".bin":
		req, err := verbatim(string(data), http2)
		if err != nil {
			return nil, err
		}
		return []Request{req}, nil
	case ".yaml", ".yml":
		docs, err := parseYAML(data)
		if err != nil {
			return nil, err
		}
		return compileDocuments(docs, http2)
	case ".json":
		docs, err := parseJSON(data)
		if err != nil {
			return nil, err
		}
		return compileDocuments(docs, http2)
	default:
		return compileText(string(data), http2)
	}
}

func compileText(text string, http2 bool) ([]Request, error) {
	var reqs []Request
	for i, block := range splitBlocks(text) {
		compiled, err := compileBlock(block, http2)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i+1, err)
		}
		reqs = append(reqs, compiled...)
	}
	if len(reqs) == 0 {
		return nil, errors.New("no requests found")
	}
	return reqs, nil
}

// splitBlocks splits text on "###" lines and drops blank blocks. Blocks use
// LF line endings; leading blank lines are dropped and trailing ones kept.
func splitBlocks(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var (
		blocks  []string
		current []string
	)
	flush := func() {
		block := strings.TrimLeft(strings.Join(current, "\n"), "\n")
		if strings.TrimSpace(block) != "" {
			blocks = append(blocks, block)
		}
		current = current[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "###") {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return blocks
}

func compileBlock(block string, http2 bool) ([]Request, error) {
	first, _, _ := strings.Cut(block, "\n")
	switch {
	case isFrameLine(first):
		var frames []Request
		for _, line := range strings.Split(block, "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			if !isFrameLine(line) {
				return nil, fmt.Errorf("expected a frame line, got %q", line)
			}
			f, err := parseFrame(line)
			if err != nil {
				return nil, err
			}
			frames = append(frames, f)
		}
		return frames, nil

	case strings.HasPrefix(first, "raw:"):
		req, err := compileRaw(block, http2)
		if err != nil {
			return nil, err
		}
		return []Request{req}, nil

	case strings.HasPrefix(first, "ws:"):
		if http2 {
			return nil, errors.New("websocket upgrades are not supported over HTTP/2")
		}
		return []Request{websocketUpgrade(block)}, nil

	default:
		req, err := compileHTTP(block, http2)
		if err != nil {
			return nil, err
		}
		return []Request{req}, nil
	}
}

func isFrameLine(line string) bool {
	return line == "frame" || strings.HasPrefix(line, "frame ")
}

// websocketUpgrade expands "ws:<path>" into a full upgrade request. Lines
// after the first are added as headers.
func websocketUpgrade(block string) Request {
	first, extra, _ := strings.Cut(block, "\n")
	path := strings.TrimSpace(strings.TrimPrefix(first, "ws:"))
	if path == "" {
		path = "/"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	b.WriteString("Host: {{host}}\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Sec-WebSocket-Key: " + wsKey + "\r\n")
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	for _, line := range strings.Split(extra, "\n") {
		if strings.TrimSpace(line) != "" {
			b.WriteString(line + "\r\n")
		}
	}
	b.WriteString("\r\n")
	return Request{Kind: KindHTTP, Raw: b.String(), Upgrade: true}
}

// compileRaw reads a raw: block. A quoted string on the first line is
// unquoted; otherwise the lines after it are the request.
func compileRaw(block string, http2 bool) (Request, error) {
	first, rest, _ := strings.Cut(block, "\n")
	inline := strings.TrimSpace(strings.TrimPrefix(first, "raw:"))
	if inline == "" {
		return verbatim(rest, http2)
	}
	if strings.TrimSpace(rest) != "" {
		return Request{}, errors.New("raw block with a quoted string must be a single line")
	}
	unquoted, err := strconv.Unquote(inline)
	if err != nil {
		return Request{}, fmt.Errorf("invalid quoted raw request %s: %w", inline, err)
	}
	return verbatim(unquoted, http2)
}

func verbatim(raw string, http2 bool) (Request, error) {
	if http2 {
		return Request{}, errors.New("raw requests are not supported over HTTP/2")
	}
	if raw == "" {
		return Request{}, errors.New("empty raw request")
	}
	return Request{Kind: KindHTTP, Raw: raw, Verbatim: true}, nil
}

// normalizeRequest converts line endings to CRLF and makes sure the header
// block is terminated. A body is kept as written unless it is only line
// breaks.
func normalizeRequest(block string) string {
	request := strings.ReplaceAll(block, "\r\n", "\n")
	request = strings.ReplaceAll(request, "\n", "\r\n")

	headers, body, ok := strings.Cut(request, "\r\n\r\n")
	if !ok {
		return strings.TrimRight(request, "\r\n") + "\r\n\r\n"
	}
	if strings.Trim(body, "\r\n") == "" {
		body = ""
	}
	return headers + "\r\n\r\n" + body
}

// compileHTTP keeps HTTP/1 text as written; a request that does not parse
// is sent anyway and never counts as an upgrade. HTTP/2 requests must parse.
func compileHTTP(block string, http2 bool) (Request, error) {
	request := normalizeRequest(block)
	method, path, headers, body, err := parseHTTPRequest(request)
	if !http2 {
		return Request{Kind: KindHTTP, Raw: request, Upgrade: err == nil && isUpgrade(headers)}, nil
	}
	if err != nil {
		return Request{}, err
	}
	return Request{Kind: KindHTTP2, Method: method, Path: path, Headers: headers, Body: body}, nil
}

// parseHTTPRequest splits a CRLF request into its parts. Header order is
// kept; lines without a colon are skipped.
func parseHTTPRequest(request string) (method, path string, headers []Field, body string, err error) {
	lines := strings.Split(request, "\r\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return "", "", nil, "", fmt.Errorf("empty request")
	}

	parts := strings.Fields(lines[0])
	if len(parts) < 2 {
		return "", "", nil, "", fmt.Errorf("invalid request line: %s", lines[0])
	}
	method = parts[0]
	path = parts[1]

	i := 1
	for i < len(lines) && lines[i] != "" {
		line := lines[i]
		i++
		colonIdx := strings.Index(line, ":")
		if colonIdx == -1 {
			continue
		}
		headers = append(headers, Field{
			Name:  strings.TrimSpace(line[:colonIdx]),
			Value: strings.TrimSpace(line[colonIdx+1:]),
		})
	}

	if i < len(lines)-1 {
		body = strings.Join(lines[i+1:], "\r\n")
		body = strings.TrimRight(body, "\r\n")
	}

	return method, path, headers, body, nil
}

func isUpgrade(headers []Field) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, "upgrade") && strings.Contains(strings.ToLower(h.Value), "websocket") {
			return true
		}
	}
	return false
}

func parseFrame(line string) (Request, error) {
	rest := strings.TrimLeft(strings.TrimPrefix(line, "frame"), " \t")
	tok, payload, _ := strings.Cut(rest, " ")
	if tok == "" {
		return Request{}, fmt.Errorf("frame without opcode: %q", line)
	}

	mods := strings.Split(tok, ",")
	op, err := websocket.ParseOpcode(mods[0])
	if err != nil {
		return Request{}, err
	}
	req := Request{Kind: KindFrame, Opcode: op}
	for _, m := range mods[1:] {
		switch {
		case m == "nofin":
			req.NoFin = true
		case m == "nomask":
			req.NoMask = true
		case strings.HasPrefix(m, "len="):
			n, err := strconv.ParseUint(strings.TrimPrefix(m, "len="), 10, 64)
			if err != nil {
				return Request{}, fmt.Errorf("invalid frame length %q", m)
			}
			req.Length = &n
		default:
			return Request{}, fmt.Errorf("unknown frame option %q", m)
		}
	}

	if strings.HasPrefix(payload, `"`) {
		unquoted, err := strconv.Unquote(payload)
		if err != nil {
			return Request{}, fmt.Errorf("invalid quoted payload %s: %w", payload, err)
		}
		payload = unquoted
	}
	req.Payload = payload
	return req, nil
}

// Freeze resolves templates against s. A frozen request is returned as is.
func (t *Text) Freeze(req Request, s *Settings) (Request, error) {
	if req.frozen {
		return req, nil
	}
	if req.Verbatim {
		req.frozen = true
		return req, nil
	}
	var host string
	if s != nil {
		host = s.Host
	}

	out := req
	var err error
	resolve := func(p *string) {
		if err != nil {
			return
		}
		*p, err = t.resolve(*p, host)
	}
	switch req.Kind {
	case KindHTTP:
		resolve(&out.Raw)
	case KindHTTP2:
		resolve(&out.Method)
		resolve(&out.Path)
		out.Headers = slices.Clone(req.Headers)
		for i := range out.Headers {
			resolve(&out.Headers[i].Name)
			resolve(&out.Headers[i].Value)
		}
		resolve(&out.Body)
	case KindFrame:
		resolve(&out.Payload)
	}
	if err != nil {
		return Request{}, fmt.Errorf("failed to freeze request: %w", err)
	}
	out.frozen = true
	return out, nil
}

// Serialize freezes req if needed and encodes it. HTTP/2 requests are framed
// by s.Protocol.
func (t *Text) Serialize(req Request, s *Settings) (Serialized, error) {
	req, err := t.Freeze(req, s)
	if err != nil {
		return Serialized{}, err
	}

	switch req.Kind {
	case KindHTTP:
		return Serialized{Bytes: []byte(req.Raw), Upgrade: req.Upgrade, Method: requestMethod(req.Raw)}, nil

	case KindHTTP2:
		if s == nil || s.Protocol == nil {
			return Serialized{}, errors.New("HTTP/2 request on a connection without an HTTP/2 session")
		}
		id, raw, err := s.Protocol.EncodeRequest(h2Fields(req), []byte(req.Body))
		if err != nil {
			return Serialized{}, err
		}
		return Serialized{Bytes: raw, Method: req.Method, StreamID: id}, nil

	case KindFrame:
		payload, err := framePayload(req)
		if err != nil {
			return Serialized{}, err
		}
		f := websocket.Frame{
			Fin:     !req.NoFin,
			Opcode:  req.Opcode,
			Masked:  !req.NoMask,
			Length:  uint64(len(payload)),
			Payload: payload,
		}
		if req.Length != nil {
			f.Length = *req.Length
		}
		return Serialized{Bytes: f.AppendTo(nil)}, nil

	default:
		return Serialized{}, fmt.Errorf("unknown request kind %v", req.Kind)
	}
}

func requestMethod(raw string) string {
	first, _, _ := strings.Cut(raw, "\r\n")
	if fields := strings.Fields(first); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// framePayload formats close frames written as "<code> [reason]".
func framePayload(req Request) ([]byte, error) {
	if req.Opcode != gws.CloseMessage || req.Payload == "" {
		return []byte(req.Payload), nil
	}
	codeText, reason, _ := strings.Cut(req.Payload, " ")
	code, err := strconv.Atoi(codeText)
	if err != nil {
		return []byte(req.Payload), nil
	}
	if code < 0 || code > 0xFFFF {
		return nil, fmt.Errorf("invalid close code %d", code)
	}
	return []byte(gws.FormatCloseMessage(code, reason)), nil
}

// h2Fields lays out the header block: pseudo-headers first, :authority
// taken from Host, then the remaining headers in order, lowercased.
// Connection-specific headers are dropped.
func h2Fields(req Request) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: ":method", Value: req.Method},
		{Name: ":path", Value: req.Path},
		{Name: ":scheme", Value: "https"},
	}
	for _, h := range req.Headers {
		if strings.EqualFold(h.Name, "host") {
			fields = append(fields, hpack.HeaderField{Name: ":authority", Value: h.Value})
			break
		}
	}
	for _, h := range req.Headers {
		switch strings.ToLower(h.Name) {
		case "host", "connection", "transfer-encoding", "upgrade", "keep-alive", "proxy-connection":
			continue
		}
		fields = append(fields, hpack.HeaderField{Name: strings.ToLower(h.Name), Value: h.Value})
	}
	return fields
}

// HostHeader returns the Host of an HTTP request.
func HostHeader(req Request) (string, error) {
	var headers []Field
	switch req.Kind {
	case KindHTTP:
		_, _, parsed, _, err := parseHTTPRequest(req.Raw)
		if err != nil {
			return "", err
		}
		headers = parsed
	case KindHTTP2:
		headers = req.Headers
	default:
		return "", errors.New("frames have no host header")
	}

	for _, h := range headers {
		if strings.EqualFold(h.Name, "host") {
			if h.Value == "" {
				return "", fmt.Errorf("host header is empty")
			}
			return h.Value, nil
		}
	}
	return "", fmt.Errorf("host header not found in request")
}
