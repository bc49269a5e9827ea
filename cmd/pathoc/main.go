package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/dtabarie/pathoc/internal/config"
	"github.com/dtabarie/pathoc/internal/exchangelog"
	"github.com/dtabarie/pathoc/internal/replay"
	"github.com/dtabarie/pathoc/internal/spec"
)

var version = "0.1.0"

var (
	flagConfig string
	flagCfg    = config.Default()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !flagCfg.Quiet {
			fmt.Fprintf(os.Stderr, "[!] Error: %v\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pathoc [target] request [request...]",
	Short: "Send pathological HTTP, HTTP/2 and WebSocket requests",
	Long: `pathoc sends requests exactly as written, over TCP or TLS, to probe how
servers cope with malformed and boundary-violating input.

Each request argument is a request group: raw request text, "ws:<path>" for a
WebSocket upgrade, "frame <opcode> [payload]" lines, or @file (.http, .yaml,
.json). Groups are separated into requests by "###" lines.

With two or more arguments the first is the target (host[:port]). With a
single argument the target comes from --config or the request's Host header.

Examples:
  pathoc example.com:80 'GET / HTTP/1.1
  Host: example.com'
  pathoc -n 0 -w 1s -m example.com @fuzz.http      # Replay until interrupted
  pathoc --http2 example.com:443 @requests.yaml
  pathoc localhost:8080 ws:/chat 'frame text hello'
  pathoc --config pathoc.yaml`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && flagConfig == "" {
			return cmd.Help()
		}
		cfg := flagCfg
		if flagConfig != "" {
			fileCfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if err := overrideFlags(cmd.Flags(), fileCfg); err != nil {
				return err
			}
			cfg = fileCfg
			flagCfg.Quiet = cfg.Quiet
		}
		applyArgs(cfg, args)
		return run(cmd, cfg)
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "Load settings from a YAML file; flags override it")
	bindFlags(rootCmd.Flags(), flagCfg)
}

// bindFlags defines every configuration flag on fs, bound to c.
func bindFlags(fs *pflag.FlagSet, c *config.Config) {
	fs.StringVarP(&c.ConnectTo, "connect-to", "c", c.ConnectTo, "Connect to host:port through the target acting as a proxy (CONNECT)")
	fs.BoolVar(&c.ProxyFromEnv, "proxy-from-env", c.ProxyFromEnv, "Tunnel through the proxy named by HTTP_PROXY/HTTPS_PROXY")

	fs.BoolVarP(&c.SSL, "ssl", "s", c.SSL, "Connect with TLS (auto-enabled for port 443)")
	fs.BoolVar(&c.NoSSL, "no-ssl", c.NoSSL, "Disable TLS (force plain TCP)")
	fs.StringVarP(&c.SNI, "sni", "i", c.SNI, "TLS server name indication")
	fs.StringVar(&c.ClientCert, "clientcert", c.ClientCert, "PEM file with client certificate and key")
	fs.StringVar(&c.SSLVersion, "ssl-version", c.SSLVersion, "TLS version: SSLv23, TLSv1, TLSv1_1, TLSv1_2, TLSv1_3")
	fs.StringVar(&c.Ciphers, "ciphers", c.Ciphers, "Cipher suites, colon separated")
	fs.BoolVar(&c.Verify, "verify", c.Verify, "Verify the server certificate")

	fs.BoolVar(&c.HTTP2, "http2", c.HTTP2, "Speak HTTP/2 (requires TLS)")
	fs.BoolVar(&c.HTTP2SkipPreface, "http2-skippreface", c.HTTP2SkipPreface, "Do not send the HTTP/2 connection preface")
	fs.BoolVar(&c.HTTP2FrameDump, "http2-framedump", c.HTTP2FrameDump, "Log every HTTP/2 frame sent and received")

	fs.IntVar(&c.WSReadLimit, "ws-read-limit", c.WSReadLimit, "Stop reading WebSocket frames after N frames (0 = no limit)")
	fs.DurationVarP(&c.Timeout, "timeout", "t", c.Timeout, "Connection and response timeout")

	fs.IntVarP(&c.Repeat, "repeat", "n", c.Repeat, "Number of iterations (0 = until interrupted)")
	fs.DurationVarP(&c.Wait, "wait", "w", c.Wait, "Pause between iterations")
	fs.BoolVarP(&c.Random, "random", "r", c.Random, "Pick one request group at random per iteration")
	fs.BoolVarP(&c.Explain, "explain", "e", c.Explain, "Log each request after templates are resolved")
	fs.BoolVarP(&c.Memo, "memo", "m", c.Memo, "Skip requests that were already sent")
	fs.IntVar(&c.MemoLimit, "memo-limit", c.MemoLimit, "Give up after N repeated requests in a row")

	fs.IntSliceVarP(&c.IgnoreCodes, "ignore-codes", "C", c.IgnoreCodes, "Do not print responses with these status codes")
	fs.BoolVarP(&c.IgnoreTimeout, "ignore-timeout", "T", c.IgnoreTimeout, "Carry on with the playlist after a timeout")
	fs.BoolVarP(&c.Oneshot, "oneshot", "o", c.Oneshot, "Stop after the first response")

	fs.BoolVarP(&c.ShowRequest, "show-request", "q", c.ShowRequest, "Print the raw request bytes")
	fs.BoolVarP(&c.ShowResponse, "show-response", "p", c.ShowResponse, "Print the raw response bytes")
	fs.BoolVarP(&c.ShowSSL, "show-ssl", "S", c.ShowSSL, "Print the TLS session and certificate chain")
	fs.BoolVarP(&c.Hexdump, "hexdump", "x", c.Hexdump, "Print raw bytes as a hex dump")
	fs.Int64Var(&c.BodyLimit, "body-limit", c.BodyLimit, "Fail responses with a body over N bytes (0 = no limit)")
	fs.BoolVar(&c.NoColor, "no-color", c.NoColor, "Disable colored output")
	fs.BoolVarP(&c.Verbose, "verbose", "v", c.Verbose, "Debug logging")
	fs.BoolVar(&c.Quiet, "quiet", c.Quiet, "Suppress stderr messages")

	fs.BoolVar(&c.Env, "env", c.Env, "Expand environment variables ($VAR or ${VAR}) in requests")
	fs.StringVar(&c.EnvFile, "env-file", c.EnvFile, "Load environment variables from file (enables --env)")
}

// overrideFlags copies every flag set on the command line onto c.
func overrideFlags(changed *pflag.FlagSet, c *config.Config) error {
	fs := pflag.NewFlagSet("file", pflag.ContinueOnError)
	bindFlags(fs, c)

	var err error
	changed.Visit(func(f *pflag.Flag) {
		dst := fs.Lookup(f.Name)
		if dst == nil || err != nil {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			err = dst.Value.(pflag.SliceValue).Replace(sv.GetSlice())
			return
		}
		err = dst.Value.Set(f.Value.String())
	})
	return err
}

// applyArgs takes the target and requests from positional arguments. A
// lone argument is a request.
func applyArgs(c *config.Config, args []string) {
	switch {
	case len(args) >= 2:
		c.Target = args[0]
		c.Requests = args[1:]
	case len(args) == 1:
		c.Requests = args
	}
}

func run(cmd *cobra.Command, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.EnvFile != "" {
		if err := config.LoadEnvFile(cfg.EnvFile, os.Stderr); err != nil {
			return err
		}
		cfg.Env = true
	}

	compiler := &spec.Text{Env: cfg.Env}
	groups, err := cfg.Compile(compiler)
	if err != nil {
		return err
	}

	target, err := cfg.Resolve(groups)
	if err != nil {
		return err
	}
	if !cfg.Quiet {
		if target.FromHostHeader {
			fmt.Fprintf(os.Stderr, "[*] Using host from request: %s\n", target.Address)
		}
		if target.AutoTLS {
			fmt.Fprintf(os.Stderr, "[*] Auto-enabling TLS for port 443\n")
		}
		if target.Proxy != "" {
			fmt.Fprintf(os.Stderr, "[*] Using proxy %s for %s\n", target.Proxy, target.ConnectTo)
		}
	}

	logger, err := newLogger(cfg.Verbose, cfg.Quiet)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	useColor := !cfg.NoColor && term.IsTerminal(int(os.Stdout.Fd()))
	sink := exchangelog.NewSink(os.Stdout, cfg.Hexdump, useColor)

	opts := cfg.ClientOptions(target)
	opts.Compiler = compiler
	opts.Sink = sink
	opts.Logger = logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := replay.New(cfg.ReplayOptions(opts, groups))
	err = d.Run(ctx)

	stats, printed := d.Stats(), sink.Stats()
	logger.Debug("run finished",
		zap.Int("iterations", stats.Iterations),
		zap.Int("exchanges", stats.Exchanges),
		zap.Int("failures", stats.Failures),
		zap.Int("skips", stats.Skips),
		zap.Int("printed", printed.Printed),
		zap.Int("suppressed", printed.Suppressed))

	if errors.Is(err, replay.ErrLoopDetected) {
		if !cfg.Quiet {
			fmt.Fprintln(os.Stderr, "Memo limit exceeded...")
		}
		return nil
	}
	return err
}

func newLogger(verbose, quiet bool) (*zap.Logger, error) {
	level := zap.WarnLevel
	switch {
	case verbose:
		level = zap.DebugLevel
	case quiet:
		level = zap.ErrorLevel
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Encoding = "console"
	zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.Sampling = nil
	zcfg.DisableCaller = !verbose
	zcfg.DisableStacktrace = true
	return zcfg.Build()
}
