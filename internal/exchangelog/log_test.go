package exchangelog

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogFlushesOnce(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(&buf, false, false)

	l := sink.Open()
	l.Write(">> GET /")
	l.Summary(200, "OK", 5)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	want := ">> GET /\n<< 200 OK: 5 bytes\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
	if got := sink.Stats(); got.Printed != 1 || got.Suppressed != 0 {
		t.Errorf("Stats() = %+v", got)
	}
}

func TestLogSuppress(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(&buf, false, false)

	l := sink.Open()
	l.Write(">> GET /")
	l.Suppress()
	_ = l.Close()

	if buf.Len() != 0 {
		t.Errorf("suppressed log wrote %q", buf.String())
	}
	if got := sink.Stats(); got.Suppressed != 1 || got.Printed != 0 {
		t.Errorf("Stats() = %+v", got)
	}
}

func TestLogDump(t *testing.T) {
	tests := []struct {
		name    string
		hexdump bool
		want    string
	}{
		{"escaped", false, `>> GET / HTTP/1.1\r\n`},
		{"hexdump", true, "00000000  47 45 54 20 2f 20 48 54"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewSink(&buf, tt.hexdump, false).Open()
			l.Dump(">>", []byte("GET / HTTP/1.1\r\n"))
			_ = l.Close()
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("Dump() output = %q, want it to contain %q", buf.String(), tt.want)
			}
		})
	}
}

func TestColorStatus(t *testing.T) {
	sink := NewSink(nil, false, true)
	tests := []struct {
		status string
		want   string
	}{
		{"200", colorGreen + "200" + colorReset},
		{"101", colorCyan + "101" + colorReset},
		{"302", colorCyan + "302" + colorReset},
		{"404", colorYellow + "404" + colorReset},
		{"503", colorRed + "503" + colorReset},
		{"abc", "abc"},
	}
	for _, tt := range tests {
		if got := sink.ColorStatus(tt.status); got != tt.want {
			t.Errorf("ColorStatus(%q) = %q, want %q", tt.status, got, tt.want)
		}
	}

	plain := NewSink(nil, false, false)
	if got := plain.ColorStatus("200"); got != "200" {
		t.Errorf("ColorStatus without color = %q", got)
	}
}
