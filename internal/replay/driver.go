// Package replay runs request playlists against fresh connections, applying
// the repeat, wait, random selection, memo and suppression policies.
package replay

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dtabarie/pathoc/internal/client"
	"github.com/dtabarie/pathoc/internal/exchangelog"
	"github.com/dtabarie/pathoc/internal/spec"
	"github.com/dtabarie/pathoc/internal/websocket"
)

// ErrLoopDetected aborts a memo run that keeps producing requests it has
// already sent.
var ErrLoopDetected = errors.New("memo limit exceeded")

// drainPoll is the per-pop timeout of the blocking drain after a playlist.
const drainPoll = 10 * time.Millisecond

// Conn is the connection a driver runs playlists on. *client.Client
// implements it.
type Conn interface {
	Connect(ctx context.Context) error
	Settings() *spec.Settings
	Request(req spec.Request) (*client.Response, error)
	Wait(timeout time.Duration, finish bool) iter.Seq[*websocket.Frame]
	Stop()
	Close() error
}

// Options configures a Driver.
type Options struct {
	// Client configures every connection the driver opens. Its Compiler,
	// Sink and Logger are shared with the driver.
	Client client.Options

	// Groups are the request groups; a playlist is all of them in order,
	// or one chosen at random.
	Groups [][]spec.Request
	// Repeat is the number of iterations. Zero repeats until cancelled.
	Repeat int
	// Wait is the pause between iterations.
	Wait   time.Duration
	Random bool

	Explain   bool
	Memo      bool
	MemoLimit int

	IgnoreTimeout bool
	Oneshot       bool
}

// Stats counts what a run did.
type Stats struct {
	Iterations int
	Exchanges  int
	Failures   int
	Skips      int
}

// Driver runs playlists. It is not safe for concurrent use.
type Driver struct {
	opts     Options
	logger   *zap.Logger
	compiler spec.Compiler
	sink     *exchangelog.Sink

	newConn func() Conn
	intn    func(n int) int
	sleep   func(ctx context.Context, d time.Duration) error

	memo     map[string]struct{}
	trycount int
	stats    Stats

	mu  sync.Mutex
	cur Conn
}

// New returns a driver for opts.
func New(opts Options) *Driver {
	logger := opts.Client.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Client.Compiler == nil {
		opts.Client.Compiler = &spec.Text{}
	}
	if opts.Client.Sink == nil {
		opts.Client.Sink = exchangelog.NewSink(nil, false, false)
	}
	opts.Client.Logger = logger
	opts.Client.IgnoreTimeout = opts.IgnoreTimeout

	d := &Driver{
		opts:     opts,
		logger:   logger.Named("replay"),
		compiler: opts.Client.Compiler,
		sink:     opts.Client.Sink,
		intn:     rand.IntN,
		sleep:    sleepContext,
		memo:     make(map[string]struct{}),
	}
	d.newConn = func() Conn { return client.New(d.opts.Client) }
	return d
}

// Stats returns the counters of the runs so far.
func (d *Driver) Stats() Stats {
	return d.stats
}

// Run executes iterations until Repeat is reached, Oneshot got a response,
// the memo limit is exceeded or ctx is cancelled. Cancellation is not an
// error. Transport failures while connecting skip to the next iteration;
// any other connect failure ends the run with that error.
func (d *Driver) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, d.stopCurrent)
	defer stop()

	for n := 0; d.opts.Repeat == 0 || n < d.opts.Repeat; n++ {
		if n > 0 && d.opts.Wait > 0 {
			if err := d.sleep(ctx, d.opts.Wait); err != nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		d.stats.Iterations++

		done, err := d.iteration(ctx)
		if err != nil {
			return err
		}
		if done || ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (d *Driver) iteration(ctx context.Context) (bool, error) {
	c := d.newConn()
	if err := c.Connect(ctx); err != nil {
		if client.IsTransport(err) {
			d.stats.Failures++
			d.logger.Warn("connect failed",
				zap.String("target", d.opts.Client.Address),
				zap.Error(err))
			return false, nil
		}
		d.logger.Error("aborting run",
			zap.String("target", d.opts.Client.Address),
			zap.Error(err))
		return false, err
	}
	d.setCurrent(c)
	defer func() {
		d.setCurrent(nil)
		_ = c.Close()
	}()

	done, err := d.play(ctx, c)
	if done || err != nil {
		c.Stop()
		return done, err
	}
	if ctx.Err() != nil {
		c.Stop()
	}
	for range c.Wait(drainPoll, true) {
	}
	return false, nil
}

// play sends one playlist on c. It reports true when the run should end.
func (d *Driver) play(ctx context.Context, c Conn) (bool, error) {
	for _, req := range d.playlist() {
		if ctx.Err() != nil {
			return false, nil
		}
		if d.opts.Explain || d.opts.Memo {
			frozen, err := d.compiler.Freeze(req, c.Settings())
			if err != nil {
				return false, fmt.Errorf("freeze request: %w", err)
			}
			req = frozen
		}
		if d.opts.Explain {
			d.explain(req)
		}
		if d.opts.Memo {
			if fp := spec.Fingerprint(req); d.seen(fp) {
				d.trycount++
				if d.trycount > d.opts.MemoLimit {
					d.logger.Warn("memo limit exceeded", zap.Int("limit", d.opts.MemoLimit))
					return false, ErrLoopDetected
				}
				d.stats.Skips++
				d.logger.Debug("skipping repeated request", zap.String("fingerprint", fp), zap.Int("retries", d.trycount))
				continue
			}
		}

		d.stats.Exchanges++
		resp, err := c.Request(req)
		if err == nil && resp != nil && d.opts.Oneshot {
			return true, nil
		}
		for range c.Wait(0, false) {
		}
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			if d.opts.IgnoreTimeout && client.IsTimeout(err) {
				continue
			}
			d.stats.Failures++
			d.logger.Debug("playlist aborted",
				zap.String("target", d.opts.Client.Address),
				zap.Error(err))
			return false, nil
		}
	}
	return false, nil
}

// seen records fp and reports whether it was already known. A new
// fingerprint resets the retry counter.
func (d *Driver) seen(fp string) bool {
	if _, ok := d.memo[fp]; ok {
		return true
	}
	d.memo[fp] = struct{}{}
	d.trycount = 0
	return false
}

func (d *Driver) playlist() []spec.Request {
	groups := d.opts.Groups
	if len(groups) == 0 {
		return nil
	}
	if d.opts.Random {
		return groups[d.intn(len(groups))]
	}
	var all []spec.Request
	for _, g := range groups {
		all = append(all, g...)
	}
	return all
}

func (d *Driver) explain(req spec.Request) {
	l := d.sink.Open()
	defer l.Close()
	l.Printf("Explain (%s): %s", req.Kind, exchangelog.Escape([]byte(req.String())))
	l.Printf("Fingerprint: %s", spec.Fingerprint(req))
}

func (d *Driver) setCurrent(c Conn) {
	d.mu.Lock()
	d.cur = c
	d.mu.Unlock()
}

// stopCurrent closes the live connection, which unblocks a Request stuck in
// a write or a response read as well as the frame reader.
func (d *Driver) stopCurrent() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur != nil {
		_ = d.cur.Close()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
