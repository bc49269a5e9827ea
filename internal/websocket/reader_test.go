package websocket

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dtabarie/pathoc/internal/http1"
)

var upgrader = gws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func collect(r *Reader, timeout time.Duration, finish bool) []*Frame {
	var frames []*Frame
	for f := range r.Wait(timeout, finish) {
		frames = append(frames, f)
	}
	return frames
}

// upgrade dials a gorilla peer with a hand-written upgrade request and
// returns the raw connection positioned after the 101 response.
func upgrade(t *testing.T, serverURL string) (net.Conn, *bufio.Reader) {
	t.Helper()
	host := strings.TrimPrefix(serverURL, "http://")
	conn, err := net.Dial("tcp", host)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	req := "GET / HTTP/1.1\r\n" +
		"Host: " + host + "\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http1.ReadResponse(br, "GET", 0)
	require.NoError(t, err)
	require.Equal(t, 101, resp.StatusCode)
	return conn, br
}

func TestReaderDeliversFramesInOrder(t *testing.T) {
	const n = 25
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < n; i++ {
			if err := conn.WriteMessage(gws.TextMessage, []byte(fmt.Sprintf("msg-%d", i))); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	conn, br := upgrade(t, server.URL)
	r := Start(conn, br, Options{Logger: zaptest.NewLogger(t)})

	frames := collect(r, 10*time.Millisecond, true)
	require.Len(t, frames, n)
	for i, f := range frames {
		require.Equal(t, fmt.Sprintf("msg-%d", i), string(f.Payload))
		require.Equal(t, byte(gws.TextMessage), f.Opcode)
	}
	require.True(t, r.Stopped())

	// The end of the stream was consumed: nothing more, not even a second
	// terminal item.
	require.Empty(t, collect(r, 10*time.Millisecond, true))
	require.Equal(t, 0, r.queue.size())
}

func TestReaderIdleTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	start := time.Now()
	r := Start(client, bufio.NewReader(client), Options{Idle: 100 * time.Millisecond})

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop after idle timeout")
	}
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	require.Equal(t, 1, r.queue.size())
	require.Empty(t, collect(r, 0, false))
	require.Equal(t, 0, r.queue.size())
}

func TestReaderStopIsIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	r := Start(client, bufio.NewReader(client), Options{})
	r.Stop()
	r.Stop()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("reader did not observe stop")
	}
	r.Stop()

	require.Empty(t, collect(r, Forever, true))
	require.Equal(t, 0, r.queue.size())
}

func TestReaderStopClearsReadDeadline(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	r := Start(client, bufio.NewReader(client), Options{Poll: 10 * time.Millisecond})
	r.Stop()
	<-r.Done()

	go func() { _, _ = server.Write([]byte("x")) }()
	buf := make([]byte, 1)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "x", string(buf[:n]))
}

func TestReaderFrameLimit(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		for i := 0; i < 3; i++ {
			f := &Frame{Fin: true, Opcode: 2, Length: 1, Payload: []byte{byte(i)}}
			if _, err := server.Write(f.AppendTo(nil)); err != nil {
				return
			}
		}
	}()

	r := Start(client, bufio.NewReader(client), Options{Limit: 2})
	frames := collect(r, Forever, true)
	require.Len(t, frames, 2)
	require.Equal(t, []byte{0}, frames[0].Payload)
	require.Equal(t, []byte{1}, frames[1].Payload)
}

func TestWaitNonBlockingDrain(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	r := Start(client, bufio.NewReader(client), Options{})
	defer r.Stop()

	begin := time.Now()
	require.Empty(t, collect(r, 0, false))
	require.Empty(t, collect(r, 20*time.Millisecond, false))
	require.Less(t, time.Since(begin), time.Second)
	require.False(t, r.Stopped())
}
