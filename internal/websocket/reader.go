package websocket

import (
	"bufio"
	"errors"
	"io"
	"iter"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dtabarie/pathoc/internal/exchangelog"
)

// DefaultPollInterval bounds how long the reader goes without checking for a
// stop signal or an expired idle timeout.
const DefaultPollInterval = 50 * time.Millisecond

// Forever makes Wait block without a per-pop timeout.
const Forever time.Duration = -1

// ReadDeadliner is the part of the connection the reader needs besides the
// buffered stream.
type ReadDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Options configures a Reader.
type Options struct {
	// Limit stops the reader after this many frames. Zero means no limit.
	Limit int
	// Idle stops the reader when no frame arrived for this long. Zero means
	// no idle timeout.
	Idle time.Duration
	// Poll is the readiness poll interval, DefaultPollInterval if zero.
	Poll time.Duration
	// Sink receives one exchange log per decoded frame. May be nil.
	Sink *exchangelog.Sink
	// ShowPayload adds the payload to each frame's log.
	ShowPayload bool
	Logger      *zap.Logger
}

// Reader decodes frames from an upgraded connection on its own goroutine
// until it is stopped, the frame limit is reached, the idle timeout expires or
// the connection fails. It owns all reads from the stream once started.
type Reader struct {
	conn   ReadDeadliner
	src    *bufio.Reader
	opts   Options
	logger *zap.Logger

	queue    *deliveryQueue
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	finished atomic.Bool
}

// Start launches a reader over src, the buffered stream of conn.
func Start(conn ReadDeadliner, src *bufio.Reader, opts Options) *Reader {
	if opts.Poll <= 0 {
		opts.Poll = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reader{
		conn:   conn,
		src:    src,
		opts:   opts,
		logger: logger.Named("wsreader"),
		queue:  newDeliveryQueue(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Stop posts the stop signal and returns without waiting. The reader
// notices it within one poll interval; a frame decode in progress completes
// first. Calling Stop again is a no-op.
func (r *Reader) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Done is closed once the reader goroutine has ended.
func (r *Reader) Done() <-chan struct{} {
	return r.done
}

// Stopped reports whether the reader goroutine has ended.
func (r *Reader) Stopped() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait yields queued frames in arrival order. A zero timeout drains what is
// already queued and returns. A positive timeout bounds each pop; when it
// expires Wait keeps waiting if finish is set and returns otherwise. Forever
// blocks on each pop. Once the end of the stream is consumed every later Wait
// returns immediately.
func (r *Reader) Wait(timeout time.Duration, finish bool) iter.Seq[*Frame] {
	return func(yield func(*Frame) bool) {
		for !r.finished.Load() {
			it, ok := r.queue.pop(timeout)
			if !ok {
				if finish && timeout != 0 {
					continue
				}
				return
			}
			if it.end {
				r.finished.Store(true)
				<-r.done
				return
			}
			if !yield(it.frame) {
				return
			}
		}
	}
}

func (r *Reader) run() {
	defer close(r.done)
	defer r.queue.push(item{end: true})
	defer func() { _ = r.conn.SetReadDeadline(time.Time{}) }()

	remaining := r.opts.Limit
	last := time.Now()
	for {
		if r.opts.Limit > 0 && remaining == 0 {
			r.logger.Debug("frame limit reached", zap.Int("limit", r.opts.Limit))
			return
		}
		ready, err := r.poll()
		if err != nil {
			r.logger.Debug("connection ended", zap.Error(err))
			return
		}
		if !ready && r.opts.Idle > 0 && time.Since(last) > r.opts.Idle {
			r.logger.Debug("idle timeout", zap.Duration("idle", r.opts.Idle))
			return
		}
		select {
		case <-r.stop:
			r.logger.Debug("stop requested")
			return
		default:
		}
		if !ready {
			continue
		}

		f, err := r.decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logFailure(err)
			}
			r.logger.Debug("frame decode failed", zap.Error(err))
			return
		}
		r.queue.push(item{frame: f})
		r.logFrame(f)
		if r.opts.Limit > 0 {
			remaining--
		}
		last = time.Now()
	}
}

// poll waits up to one poll interval for at least one readable byte.
func (r *Reader) poll() (bool, error) {
	if r.src.Buffered() > 0 {
		return true, nil
	}
	if err := r.conn.SetReadDeadline(time.Now().Add(r.opts.Poll)); err != nil {
		return false, err
	}
	_, err := r.src.Peek(1)
	if err == nil {
		return true, nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false, nil
	}
	return false, err
}

// decode reads one whole frame. The idle timeout, if any, bounds the decode
// instead of the poll interval.
func (r *Reader) decode() (*Frame, error) {
	var deadline time.Time
	if r.opts.Idle > 0 {
		deadline = time.Now().Add(r.opts.Idle)
	}
	if err := r.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	return ReadFrame(r.src)
}

func (r *Reader) logFrame(f *Frame) {
	if r.opts.Sink == nil {
		return
	}
	l := r.opts.Sink.Open()
	defer l.Close()
	l.Write("<< " + f.Header())
	if r.opts.ShowPayload {
		l.Dump("<<", f.Payload)
	}
}

func (r *Reader) logFailure(err error) {
	if r.opts.Sink == nil {
		return
	}
	l := r.opts.Sink.Open()
	defer l.Close()
	l.Printf("Invalid websocket frame: %v", err)
}
