package websocket

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadFrame(t *testing.T) {
	tests := []struct {
		name        string
		raw         []byte
		wantOpcode  byte
		wantFin     bool
		wantPayload string
		wantHeader  string
	}{
		{
			name:        "unmasked text",
			raw:         []byte{0x81, 0x05, 'h', 'e', 'l', 'l', 'o'},
			wantOpcode:  1,
			wantFin:     true,
			wantPayload: "hello",
			wantHeader:  "fin=1 rsv=000 op=text mask=0 len=5",
		},
		{
			name:        "masked binary fragment",
			raw:         []byte{0x02, 0x83, 0x01, 0x02, 0x03, 0x04, 'a' ^ 0x01, 'b' ^ 0x02, 'c' ^ 0x03},
			wantOpcode:  2,
			wantFin:     false,
			wantPayload: "abc",
			wantHeader:  "fin=0 rsv=000 op=binary mask=1 len=3",
		},
		{
			name:        "reserved bits and unknown opcode",
			raw:         []byte{0xF3, 0x00},
			wantOpcode:  3,
			wantFin:     true,
			wantPayload: "",
			wantHeader:  "fin=1 rsv=111 op=3 mask=0 len=0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ReadFrame(bufio.NewReader(bytes.NewReader(tt.raw)))
			require.NoError(t, err)
			require.Equal(t, tt.wantOpcode, f.Opcode)
			require.Equal(t, tt.wantFin, f.Fin)
			require.Equal(t, tt.wantPayload, string(f.Payload))
			require.Equal(t, tt.wantHeader, f.Header())
			require.False(t, f.Received.IsZero())
		})
	}
}

func TestReadFrameExtendedLength(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 300)
	raw := append([]byte{0x82, 126, 0x01, 0x2C}, payload...)

	f, err := ReadFrame(bufio.NewReader(bytes.NewReader(raw)))
	require.NoError(t, err)
	require.Equal(t, uint64(300), f.Length)
	require.Equal(t, payload, f.Payload)
}

func TestReadFrameErrors(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		wantErr error
	}{
		{"empty", nil, io.EOF},
		{"truncated payload", []byte{0x81, 0x05, 'h', 'i'}, io.ErrUnexpectedEOF},
		{"truncated length", []byte{0x81, 127, 0x00}, io.ErrUnexpectedEOF},
		{"oversized", []byte{0x82, 127, 0, 0, 0, 0, 0x10, 0, 0, 0}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bufio.NewReader(bytes.NewReader(tt.raw)))
			require.Error(t, err)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestAppendToLyingLength(t *testing.T) {
	f := &Frame{Fin: true, Opcode: 1, Length: 200, Payload: []byte("short")}
	got := f.AppendTo(nil)

	require.Equal(t, []byte{0x81, 126, 0x00, 0xC8}, got[:4])
	require.Equal(t, "short", string(got[4:]))
}

func TestAppendToMasked(t *testing.T) {
	f := &Frame{Fin: true, Opcode: 1, Masked: true, Length: 5, Payload: []byte("hello")}
	raw := f.AppendTo(nil)

	require.NotEqual(t, [4]byte{}, f.MaskKey)
	require.Equal(t, []byte("hello"), f.Payload, "payload must not be masked in place")

	decoded, err := ReadFrame(bufio.NewReader(bytes.NewReader(raw)))
	require.NoError(t, err)
	require.True(t, decoded.Masked)
	require.Equal(t, "hello", string(decoded.Payload))
}

func TestParseOpcode(t *testing.T) {
	tests := []struct {
		in      string
		want    byte
		wantErr bool
	}{
		{"text", 1, false},
		{"close", 8, false},
		{"continuation", 0, false},
		{"11", 11, false},
		{"16", 0, true},
		{"bogus", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseOpcode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseOpcode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseOpcode(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
