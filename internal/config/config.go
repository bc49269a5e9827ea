// Package config holds the pathoc configuration: defaults, the YAML config
// file, validation and resolution of the target to dial.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/net/http/httpproxy"
	"gopkg.in/yaml.v3"

	"github.com/dtabarie/pathoc/internal/client"
	"github.com/dtabarie/pathoc/internal/replay"
	"github.com/dtabarie/pathoc/internal/spec"
)

// DefaultMemoLimit is how many repeated fingerprints a memo run tolerates in
// a row before it gives up.
const DefaultMemoLimit = 5000

// Config is everything a run can be configured with. Field names follow the
// command line flags; the YAML keys use underscores.
type Config struct {
	Target       string `yaml:"target"`
	ConnectTo    string `yaml:"connect_to"`
	ProxyFromEnv bool   `yaml:"proxy_from_env"`

	SSL        bool   `yaml:"ssl"`
	NoSSL      bool   `yaml:"no_ssl"`
	SNI        string `yaml:"sni"`
	ClientCert string `yaml:"client_cert"`
	SSLVersion string `yaml:"ssl_version"`
	Ciphers    string `yaml:"ciphers"`
	Verify     bool   `yaml:"verify"`

	HTTP2            bool `yaml:"http2"`
	HTTP2SkipPreface bool `yaml:"http2_skip_preface"`
	HTTP2FrameDump   bool `yaml:"http2_framedump"`

	WSReadLimit int           `yaml:"ws_read_limit"`
	Timeout     time.Duration `yaml:"timeout"`

	Repeat    int           `yaml:"repeat"`
	Wait      time.Duration `yaml:"wait"`
	Random    bool          `yaml:"random"`
	Explain   bool          `yaml:"explain"`
	Memo      bool          `yaml:"memo"`
	MemoLimit int           `yaml:"memo_limit"`

	IgnoreCodes   []int `yaml:"ignore_codes"`
	IgnoreTimeout bool  `yaml:"ignore_timeout"`
	Oneshot       bool  `yaml:"oneshot"`

	ShowRequest  bool  `yaml:"show_request"`
	ShowResponse bool  `yaml:"show_response"`
	ShowSSL      bool  `yaml:"show_ssl"`
	Hexdump      bool  `yaml:"hexdump"`
	BodyLimit    int64 `yaml:"body_limit"`
	NoColor      bool  `yaml:"no_color"`
	Verbose      bool  `yaml:"verbose"`
	Quiet        bool  `yaml:"quiet"`

	Env     bool   `yaml:"env"`
	EnvFile string `yaml:"env_file"`

	// Requests holds one entry per request group: request text, or @path.
	Requests []string `yaml:"requests"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Timeout:   10 * time.Second,
		Repeat:    1,
		MemoLimit: DefaultMemoLimit,
	}
}

// Load reads a YAML config file over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects flag combinations that can never work.
func (c *Config) Validate() error {
	if c.SSL && c.NoSSL {
		return fmt.Errorf("cannot use --ssl and --no-ssl together")
	}
	if c.ConnectTo != "" && c.ProxyFromEnv {
		return fmt.Errorf("cannot use --connect-to and --proxy-from-env together")
	}
	if c.HTTP2FrameDump && !c.HTTP2 {
		return fmt.Errorf("--http2-framedump requires --http2")
	}
	if c.HTTP2SkipPreface && !c.HTTP2 {
		return fmt.Errorf("--http2-skippreface requires --http2")
	}
	if c.HTTP2 && c.NoSSL {
		return fmt.Errorf("cannot use --http2 and --no-ssl together")
	}
	if c.Repeat < 0 {
		return fmt.Errorf("--repeat must not be negative")
	}
	if c.MemoLimit < 0 {
		return fmt.Errorf("--memo-limit must not be negative")
	}
	if c.WSReadLimit < 0 {
		return fmt.Errorf("--ws-read-limit must not be negative")
	}
	if c.Timeout < 0 || c.Wait < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if len(c.Requests) == 0 {
		return fmt.Errorf("at least one request is required")
	}
	return nil
}

// Compile compiles every request group.
func (c *Config) Compile(compiler spec.Compiler) ([][]spec.Request, error) {
	groups := make([][]spec.Request, 0, len(c.Requests))
	for i, text := range c.Requests {
		reqs, err := compiler.Compile(text, c.HTTP2)
		if err != nil {
			return nil, fmt.Errorf("request group %d: %w", i+1, err)
		}
		groups = append(groups, reqs)
	}
	return groups, nil
}

// Target is where a run connects.
type Target struct {
	// Address is the host:port dialed: the target, or the proxy.
	Address string
	// ConnectTo is the host:port tunneled to with CONNECT, if any.
	ConnectTo string
	TLS       bool

	// FromHostHeader is set when the target came from a Host header.
	FromHostHeader bool
	// AutoTLS is set when TLS was turned on for port 443.
	AutoTLS bool
	// Proxy is the proxy URL picked from the environment.
	Proxy string
}

// Resolve works out the target. Without an explicit target the Host header
// of the first request is used; port 443 turns TLS on unless --no-ssl is
// given; with ProxyFromEnv the connection goes through the proxy the
// environment names for the target.
func (c *Config) Resolve(groups [][]spec.Request) (Target, error) {
	var t Target

	target := c.Target
	if target == "" {
		host, err := hostFromRequests(groups)
		if err != nil {
			return t, fmt.Errorf("target not specified and could not extract from Host header: %w", err)
		}
		target = host
		t.FromHostHeader = true
	}

	t.TLS = c.SSL
	if !c.SSL && !c.NoSSL && extractPort(target) == "443" {
		t.TLS = true
		t.AutoTLS = true
	}
	if c.HTTP2 && !t.TLS {
		return t, fmt.Errorf("--http2 requires TLS (port 443 or --ssl)")
	}
	if c.ShowSSL && !t.TLS {
		return t, fmt.Errorf("--show-ssl requires TLS (port 443 or --ssl)")
	}

	host, port := parseTarget(target, t.TLS)
	t.Address = host + ":" + port
	t.ConnectTo = c.ConnectTo

	if c.ProxyFromEnv {
		proxy, err := proxyFor(host, port, t.TLS)
		if err != nil {
			return t, err
		}
		if proxy != nil {
			t.Proxy = proxy.String()
			t.ConnectTo = t.Address
			t.Address = proxyAddress(proxy)
		}
	}
	return t, nil
}

func hostFromRequests(groups [][]spec.Request) (string, error) {
	if len(groups) == 0 || len(groups[0]) == 0 {
		return "", errors.New("no requests")
	}
	host, err := spec.HostHeader(groups[0][0])
	if err != nil {
		return "", err
	}
	if strings.Contains(host, "{{") {
		return "", fmt.Errorf("host header %q is a template", host)
	}
	return host, nil
}

func parseTarget(target string, useTLS bool) (host, port string) {
	if idx := strings.LastIndex(target, ":"); idx != -1 {
		return target[:idx], target[idx+1:]
	}

	defaultPort := "80"
	if useTLS {
		defaultPort = "443"
	}
	return target, defaultPort
}

func extractPort(target string) string {
	if idx := strings.LastIndex(target, ":"); idx != -1 {
		return target[idx+1:]
	}
	return ""
}

// proxyFor asks the environment (HTTP_PROXY, HTTPS_PROXY, NO_PROXY) for the
// proxy of host:port. A nil URL means a direct connection.
func proxyFor(host, port string, useTLS bool) (*url.URL, error) {
	scheme := "http"
	if useTLS {
		scheme = "https"
	}
	u := &url.URL{Scheme: scheme, Host: host + ":" + port}
	proxy, err := httpproxy.FromEnvironment().ProxyFunc()(u)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy configuration: %w", err)
	}
	return proxy, nil
}

func proxyAddress(proxy *url.URL) string {
	if proxy.Port() != "" {
		return proxy.Host
	}
	if proxy.Scheme == "https" {
		return proxy.Hostname() + ":443"
	}
	return proxy.Hostname() + ":80"
}

// ClientOptions maps the configuration onto connection options. The
// compiler, sink and logger are left for the caller.
func (c *Config) ClientOptions(t Target) client.Options {
	return client.Options{
		Address:       t.Address,
		ConnectTo:     t.ConnectTo,
		TLS:           t.TLS,
		SNI:           c.SNI,
		ClientCert:    c.ClientCert,
		SSLVersion:    c.SSLVersion,
		Ciphers:       c.Ciphers,
		Verify:        c.Verify,
		HTTP2:         c.HTTP2,
		SkipPreface:   c.HTTP2SkipPreface,
		FrameDump:     c.HTTP2FrameDump,
		WSReadLimit:   c.WSReadLimit,
		Timeout:       c.Timeout,
		ShowRequest:   c.ShowRequest,
		ShowResponse:  c.ShowResponse,
		ShowSSL:       c.ShowSSL,
		BodyLimit:     c.BodyLimit,
		IgnoreCodes:   c.IgnoreCodes,
		IgnoreTimeout: c.IgnoreTimeout,
	}
}

// ReplayOptions maps the configuration onto the replay policy.
func (c *Config) ReplayOptions(opts client.Options, groups [][]spec.Request) replay.Options {
	return replay.Options{
		Client:        opts,
		Groups:        groups,
		Repeat:        c.Repeat,
		Wait:          c.Wait,
		Random:        c.Random,
		Explain:       c.Explain,
		Memo:          c.Memo,
		MemoLimit:     c.MemoLimit,
		IgnoreTimeout: c.IgnoreTimeout,
		Oneshot:       c.Oneshot,
	}
}
