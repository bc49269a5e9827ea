package spec

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"

	"github.com/dtabarie/pathoc/internal/websocket"
)

// recordingProtocol stands in for an HTTP/2 session.
type recordingProtocol struct {
	fields []hpack.HeaderField
	body   []byte
	err    error
}

func (p *recordingProtocol) EncodeRequest(fields []hpack.HeaderField, body []byte) (uint32, []byte, error) {
	if p.err != nil {
		return 0, nil, p.err
	}
	p.fields = fields
	p.body = body
	return 7, []byte("framed"), nil
}

func TestCompileRawRequests(t *testing.T) {
	text := "GET /a HTTP/1.1\n" +
		"Host: a.example\n" +
		"\n" +
		"### second\n" +
		"POST /b HTTP/1.1\r\n" +
		"Host: b.example\r\n" +
		"Content-Length: 2\r\n" +
		"\r\n" +
		"hi\r\n" +
		"###\n" +
		"\n"

	reqs, err := (&Text{}).Compile(text, false)
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	require.Equal(t, KindHTTP, reqs[0].Kind)
	require.Equal(t, "GET /a HTTP/1.1\r\nHost: a.example\r\n\r\n", reqs[0].Raw)
	require.False(t, reqs[0].Upgrade)

	require.Equal(t, "POST /b HTTP/1.1\r\nHost: b.example\r\nContent-Length: 2\r\n\r\nhi", reqs[1].Raw)
}

func TestCompileKeepsMalformedRequests(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"one token request line", "GARBAGE\n\n", "GARBAGE\r\n\r\n"},
		{"binary junk", "\x00\x01\x02", "\x00\x01\x02\r\n\r\n"},
		{"body keeps trailing line break", "POST / HTTP/1.1\r\nHost: h\r\n\r\nbody\r\n", "POST / HTTP/1.1\r\nHost: h\r\n\r\nbody\r\n"},
		{"header without colon", "GET / HTTP/1.1\nnot a header\n", "GET / HTTP/1.1\r\nnot a header\r\n\r\n"},
	}

	c := &Text{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reqs, err := c.Compile(tt.text, false)
			require.NoError(t, err)
			require.Len(t, reqs, 1)
			require.False(t, reqs[0].Upgrade)

			s, err := c.Serialize(reqs[0], &Settings{Host: "h"})
			require.NoError(t, err)
			require.Equal(t, tt.want, string(s.Bytes))
		})
	}

	_, err := c.Compile("GARBAGE\n", true)
	require.Error(t, err)
}

func TestCompileRawBlocks(t *testing.T) {
	c := &Text{Env: true, Getenv: func(string) string { return "x" }}

	text := "raw: \"GET /\\n\\x00{{host}}\"\n" +
		"###\n" +
		"raw:\n" +
		"GET / HTTP/1.1\n" +
		"Host: $HOST\n" +
		"\n"
	reqs, err := c.Compile(text, false)
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	s, err := c.Serialize(reqs[0], &Settings{Host: "h"})
	require.NoError(t, err)
	require.Equal(t, "GET /\n\x00{{host}}", string(s.Bytes))

	s, err = c.Serialize(reqs[1], &Settings{Host: "h"})
	require.NoError(t, err)
	require.Equal(t, "GET / HTTP/1.1\nHost: $HOST\n\n", string(s.Bytes))

	dir := t.TempDir()
	rawPath := filepath.Join(dir, "request.raw")
	data := []byte("GET / HTTP/1.1\nHost: h\r\n###\n\x00")
	require.NoError(t, os.WriteFile(rawPath, data, 0o600))
	reqs, err = c.Compile("@"+rawPath, false)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	s, err = c.Serialize(reqs[0], nil)
	require.NoError(t, err)
	require.Equal(t, data, s.Bytes)

	for _, bad := range []string{"raw: \"unterminated", "raw: \"a\"\nmore", "raw:\n"} {
		_, err := c.Compile(bad, false)
		require.Error(t, err, bad)
	}
	_, err = c.Compile("raw: \"x\"", true)
	require.Error(t, err)
	_, err = c.Compile("@"+rawPath, true)
	require.Error(t, err)
}

func TestCompileEmpty(t *testing.T) {
	_, err := (&Text{}).Compile("\n###\n  \n", false)
	require.Error(t, err)
}

func TestCompileUpgradeDetection(t *testing.T) {
	c := &Text{}

	reqs, err := c.Compile("GET /chat HTTP/1.1\nHost: x\nUpgrade: WebSocket\nConnection: Upgrade\n", false)
	require.NoError(t, err)
	require.True(t, reqs[0].Upgrade)

	reqs, err = c.Compile("ws:/chat\nOrigin: http://x\n", false)
	require.NoError(t, err)
	require.True(t, reqs[0].Upgrade)

	frozen, err := c.Freeze(reqs[0], &Settings{Host: "x.example:8080"})
	require.NoError(t, err)
	require.Equal(t, "GET /chat HTTP/1.1\r\n"+
		"Host: x.example:8080\r\n"+
		"Connection: Upgrade\r\n"+
		"Upgrade: websocket\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n"+
		"Sec-WebSocket-Version: 13\r\n"+
		"Origin: http://x\r\n"+
		"\r\n", frozen.Raw)

	_, err = c.Compile("ws:/chat", true)
	require.Error(t, err)
}

func TestCompileFrames(t *testing.T) {
	text := "frame text hello\n" +
		"frame binary,nomask,nofin \"\\x00\\x01\"\n" +
		"frame close 1000 bye\n" +
		"frame ping,len=200\n"

	c := &Text{}
	reqs, err := c.Compile(text, false)
	require.NoError(t, err)
	require.Len(t, reqs, 4)

	require.Equal(t, KindFrame, reqs[0].Kind)
	require.Equal(t, byte(1), reqs[0].Opcode)
	require.Equal(t, "hello", reqs[0].Payload)

	require.True(t, reqs[1].NoMask)
	require.True(t, reqs[1].NoFin)
	require.Equal(t, "\x00\x01", reqs[1].Payload)
	require.Equal(t, "frame binary,nofin,nomask \x00\x01", reqs[1].String())

	decode := func(r Request) *websocket.Frame {
		t.Helper()
		s, err := c.Serialize(r, nil)
		require.NoError(t, err)
		require.Empty(t, s.Method)
		require.False(t, s.Upgrade)
		f, err := websocket.ReadFrame(bufio.NewReader(bytes.NewReader(s.Bytes)))
		require.NoError(t, err)
		return f
	}

	f := decode(reqs[0])
	require.True(t, f.Fin)
	require.True(t, f.Masked)
	require.Equal(t, "hello", string(f.Payload))

	f = decode(reqs[1])
	require.False(t, f.Fin)
	require.False(t, f.Masked)
	require.Equal(t, []byte{0, 1}, f.Payload)

	f = decode(reqs[2])
	require.Equal(t, byte(8), f.Opcode)
	require.Equal(t, []byte{0x03, 0xE8, 'b', 'y', 'e'}, f.Payload)

	s, err := c.Serialize(reqs[3], nil)
	require.NoError(t, err)
	require.Equal(t, []byte{0x89, 0x80 | 126, 0x00, 0xC8}, s.Bytes[:4])
}

func TestCompileFrameErrors(t *testing.T) {
	for _, text := range []string{
		"frame",
		"frame bogus hi",
		"frame text,wat hi",
		"frame text,len=x hi",
		"frame text \"unterminated",
		"frame text a\nGET / HTTP/1.1",
	} {
		_, err := (&Text{}).Compile(text, false)
		require.Error(t, err, text)
	}
}

func TestCompileHTTP2(t *testing.T) {
	c := &Text{}
	reqs, err := c.Compile("POST /x HTTP/1.1\nHost: h.example\nX-B: 1\nConnection: close\nX-A: 2\n\nbody\n", true)
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	req := reqs[0]
	require.Equal(t, KindHTTP2, req.Kind)
	require.Equal(t, "POST", req.Method)
	require.Equal(t, "/x", req.Path)
	require.Equal(t, []Field{{"Host", "h.example"}, {"X-B", "1"}, {"Connection", "close"}, {"X-A", "2"}}, req.Headers)
	require.Equal(t, "body", req.Body)

	_, err = c.Serialize(req, &Settings{})
	require.Error(t, err)

	proto := &recordingProtocol{}
	s, err := c.Serialize(req, &Settings{Protocol: proto})
	require.NoError(t, err)
	require.Equal(t, uint32(7), s.StreamID)
	require.Equal(t, "POST", s.Method)
	require.Equal(t, []byte("framed"), s.Bytes)
	require.Equal(t, []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":path", Value: "/x"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "h.example"},
		{Name: "x-b", Value: "1"},
		{Name: "x-a", Value: "2"},
	}, proto.fields)
	require.Equal(t, "body", string(proto.body))

	boom := errors.New("boom")
	_, err = c.Serialize(req, &Settings{Protocol: &recordingProtocol{err: boom}})
	require.ErrorIs(t, err, boom)
}

func TestSerializeHTTPMethod(t *testing.T) {
	c := &Text{}
	reqs, err := c.Compile("HEAD /x HTTP/1.1\nHost: h\n", false)
	require.NoError(t, err)

	s, err := c.Serialize(reqs[0], nil)
	require.NoError(t, err)
	require.Equal(t, "HEAD", s.Method)
	require.Equal(t, "HEAD /x HTTP/1.1\r\nHost: h\r\n\r\n", string(s.Bytes))
}

func TestFreezeTemplates(t *testing.T) {
	env := map[string]string{"KEY": "secret"}
	c := &Text{Env: true, Getenv: func(k string) string { return env[k] }}

	reqs, err := c.Compile("GET /{{rand:8}}?k=$KEY&u=${UNSET} HTTP/1.1\nHost: {{host}}\nX-Pad: {{repeat:ab:3}}\n", false)
	require.NoError(t, err)
	require.False(t, reqs[0].Frozen())

	frozen, err := c.Freeze(reqs[0], &Settings{Host: "h.example"})
	require.NoError(t, err)
	require.True(t, frozen.Frozen())
	require.Regexp(t, regexp.MustCompile(`^GET /[A-Za-z0-9]{8}\?k=secret&u=\$\{UNSET\} HTTP/1\.1\r\n`), frozen.Raw)
	require.Contains(t, frozen.Raw, "Host: h.example\r\n")
	require.Contains(t, frozen.Raw, "X-Pad: ababab\r\n")

	again, err := c.Freeze(frozen, &Settings{Host: "other"})
	require.NoError(t, err)
	require.Equal(t, frozen, again)
	require.Equal(t, Fingerprint(frozen), Fingerprint(again))

	other, err := c.Freeze(reqs[0], &Settings{Host: "h.example"})
	require.NoError(t, err)
	require.NotEqual(t, Fingerprint(frozen), Fingerprint(other))
}

func TestFreezeWithoutEnv(t *testing.T) {
	t.Setenv("PATHOC_TEST_VAR", "value")
	c := &Text{}

	reqs, err := c.Compile("GET /$PATHOC_TEST_VAR HTTP/1.1\n", false)
	require.NoError(t, err)
	frozen, err := c.Freeze(reqs[0], nil)
	require.NoError(t, err)
	require.Equal(t, "GET /$PATHOC_TEST_VAR HTTP/1.1\r\n\r\n", frozen.Raw)

	c.Env = true
	frozen, err = c.Freeze(reqs[0], nil)
	require.NoError(t, err)
	require.Equal(t, "GET /value HTTP/1.1\r\n\r\n", frozen.Raw)
}

func TestFreezeErrors(t *testing.T) {
	for _, tmpl := range []string{"{{rand:x}}", "{{nope}}", "{{repeat:a}}", "{{repeat:a:-1}}", "{{rand:99999999999}}"} {
		c := &Text{}
		reqs, err := c.Compile("GET /"+tmpl+" HTTP/1.1\n", false)
		require.NoError(t, err)
		_, err = c.Freeze(reqs[0], nil)
		require.Error(t, err, tmpl)
	}
}

func TestCompileDocuments(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "requests.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
- method: GET
  path: /y
  headers:
    - "Host: example.com"
    - "X-Order: 1"
- frame:
    opcode: close
    code: 1001
    reason: going
- raw: |
    GET /raw HTTP/1.1
    Host: example.com
`), 0o600))

	reqs, err := (&Text{}).Compile("@"+yamlPath, false)
	require.NoError(t, err)
	require.Len(t, reqs, 3)
	require.Equal(t, "GET /y HTTP/1.1\r\nHost: example.com\r\nX-Order: 1\r\n\r\n", reqs[0].Raw)
	require.Equal(t, KindFrame, reqs[1].Kind)
	require.Equal(t, byte(8), reqs[1].Opcode)
	require.Equal(t, "1001 going", reqs[1].Payload)
	require.Equal(t, "GET /raw HTTP/1.1\r\nHost: example.com\r\n\r\n", reqs[2].Raw)

	jsonPath := filepath.Join(dir, "request.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"method": "HEAD", "path": "/j", "headers": ["Host: j.example"]}`), 0o600))
	reqs, err = (&Text{}).Compile("@"+jsonPath, true)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, KindHTTP2, reqs[0].Kind)
	require.Equal(t, "HEAD", reqs[0].Method)
	require.Equal(t, "/j", reqs[0].Path)

	httpPath := filepath.Join(dir, "request.http")
	require.NoError(t, os.WriteFile(httpPath, []byte("GET / HTTP/1.1\nHost: h\n###\nframe ping\n"), 0o600))
	reqs, err = (&Text{}).Compile("@"+httpPath, false)
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	_, err = (&Text{}).Compile("@"+filepath.Join(dir, "missing.http"), false)
	require.Error(t, err)

	badPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte("- path: /nothing\n"), 0o600))
	_, err = (&Text{}).Compile("@"+badPath, false)
	require.Error(t, err)
}

func TestParseHTTPRequest(t *testing.T) {
	tests := []struct {
		name        string
		request     string
		wantMethod  string
		wantPath    string
		wantHeaders []Field
		wantBody    string
		wantErr     bool
	}{
		{
			name: "GET request",
			request: "GET /path HTTP/1.1\r\n" +
				"Host: example.com\r\n" +
				"User-Agent: test\r\n" +
				"\r\n",
			wantMethod:  "GET",
			wantPath:    "/path",
			wantHeaders: []Field{{"Host", "example.com"}, {"User-Agent", "test"}},
		},
		{
			name: "POST with body",
			request: "POST /api/users HTTP/1.1\r\n" +
				"Host: api.example.com\r\n" +
				"Content-Type: application/json\r\n" +
				"Content-Length: 18\r\n" +
				"\r\n" +
				`{"name": "Alice"}`,
			wantMethod: "POST",
			wantPath:   "/api/users",
			wantHeaders: []Field{
				{"Host", "api.example.com"},
				{"Content-Type", "application/json"},
				{"Content-Length", "18"},
			},
			wantBody: `{"name": "Alice"}`,
		},
		{
			name:    "empty request",
			request: "",
			wantErr: true,
		},
		{
			name:    "invalid request line",
			request: "INVALID\r\n",
			wantErr: true,
		},
		{
			name: "headers only, no body",
			request: "DELETE /resource/123 HTTP/1.1\r\n" +
				"Host: example.com\r\n" +
				"\r\n",
			wantMethod:  "DELETE",
			wantPath:    "/resource/123",
			wantHeaders: []Field{{"Host", "example.com"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotMethod, gotPath, gotHeaders, gotBody, err := parseHTTPRequest(tt.request)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseHTTPRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}
			if gotMethod != tt.wantMethod {
				t.Errorf("parseHTTPRequest() method = %v, want %v", gotMethod, tt.wantMethod)
			}
			if gotPath != tt.wantPath {
				t.Errorf("parseHTTPRequest() path = %v, want %v", gotPath, tt.wantPath)
			}
			if gotBody != tt.wantBody {
				t.Errorf("parseHTTPRequest() body = %v, want %v", gotBody, tt.wantBody)
			}
			require.Equal(t, tt.wantHeaders, gotHeaders)
		})
	}
}

func TestHostHeader(t *testing.T) {
	tests := []struct {
		name    string
		request string
		want    string
		wantErr bool
	}{
		{
			name: "valid host header",
			request: "GET / HTTP/1.1\r\n" +
				"Host: example.com\r\n" +
				"\r\n",
			want: "example.com",
		},
		{
			name: "host with port",
			request: "POST /api HTTP/1.1\r\n" +
				"Host: api.example.com:8080\r\n" +
				"Content-Type: application/json\r\n" +
				"\r\n",
			want: "api.example.com:8080",
		},
		{
			name: "host with spaces",
			request: "GET / HTTP/1.1\r\n" +
				"Host:   example.com   \r\n" +
				"\r\n",
			want: "example.com",
		},
		{
			name: "no host header",
			request: "GET / HTTP/1.1\r\n" +
				"Content-Type: text/html\r\n" +
				"\r\n",
			wantErr: true,
		},
		{
			name:    "empty request",
			request: "",
			wantErr: true,
		},
		{
			name: "empty host value",
			request: "GET / HTTP/1.1\r\n" +
				"Host: \r\n" +
				"\r\n",
			wantErr: true,
		},
		{
			name: "case insensitive host",
			request: "GET / HTTP/1.1\r\n" +
				"HOST: example.com\r\n" +
				"\r\n",
			want: "example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HostHeader(Request{Kind: KindHTTP, Raw: tt.request})
			if (err != nil) != tt.wantErr {
				t.Errorf("HostHeader() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("HostHeader() = %v, want %v", got, tt.want)
			}
		})
	}

	_, err := HostHeader(Request{Kind: KindFrame})
	require.Error(t, err)
}
