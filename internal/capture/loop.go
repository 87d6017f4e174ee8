// Package capture feeds camera frames into the recognition pipeline.
package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/face-attendance/internal/recognition"
)

// ErrStopped is returned by Run after Stop was called.
var ErrStopped = errors.New("capture loop stopped")

// minCaptureTimeout bounds how short the per-frame capture deadline may get.
const minCaptureTimeout = 100 * time.Millisecond

// ProcessFunc recognizes one frame.
type ProcessFunc func(ctx context.Context, f *Frame) (recognition.Outcome, error)

// Result is a processed frame.
type Result struct {
	Seq     int64
	Source  string
	Outcome recognition.Outcome
	Err     error
}

// ApplyFunc receives results of frames processed while the loop was running.
type ApplyFunc func(Result)

// Options configure a Loop.
type Options struct {
	FPS       int        // capture rate, defaults to 15
	FrameSkip func() int // recognize every n-th frame; nil or values < 2 recognize all
	Logger    *slog.Logger
}

// Stats counts what happened to captured frames.
type Stats struct {
	Captured  int64 // frames read from the source
	Skipped   int64 // ticks left out by frame skipping
	Dropped   int64 // frames discarded because the worker was busy
	Processed int64 // frames recognized
	Applied   int64 // results delivered to the apply callback
	Failed    int64 // capture or recognition errors
}

// Loop captures frames at a fixed rate and hands them to a single recognition
// worker through a one-slot channel. Frames that arrive while the worker is
// busy are dropped, never queued.
type Loop struct {
	source  Source
	process ProcessFunc
	apply   ApplyFunc
	logger  *slog.Logger

	interval       time.Duration
	captureTimeout time.Duration
	frameSkip      func() int

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped atomic.Bool

	captured, skipped, dropped, processed, applied, failed atomic.Int64
}

// NewLoop creates a capture loop.
func NewLoop(source Source, process ProcessFunc, apply ApplyFunc, opts Options) *Loop {
	fps := opts.FPS
	if fps <= 0 {
		fps = 15
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := time.Second / time.Duration(fps)

	return &Loop{
		source:         source,
		process:        process,
		apply:          apply,
		logger:         logger,
		interval:       interval,
		captureTimeout: max(2*interval, minCaptureTimeout),
		frameSkip:      opts.FrameSkip,
	}
}

// Stats returns the frame counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Captured:  l.captured.Load(),
		Skipped:   l.skipped.Load(),
		Dropped:   l.dropped.Load(),
		Processed: l.processed.Load(),
		Applied:   l.applied.Load(),
		Failed:    l.failed.Load(),
	}
}

// Stop halts the loop. Results still in flight are discarded.
func (l *Loop) Stop() {
	l.stopped.Store(true)
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()
}

// Run captures frames until the source is exhausted (nil), ctx is cancelled
// (ctx.Err()) or Stop is called (ErrStopped). It waits for the worker to finish.
func (l *Loop) Run(ctx context.Context) error {
	if l.stopped.Load() {
		return ErrStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	frames := make(chan *Frame, 1)
	var wg sync.WaitGroup
	wg.Go(func() {
		l.work(ctx, frames)
	})

	err := l.capture(ctx, frames)
	close(frames)
	wg.Wait()

	if l.stopped.Load() {
		return ErrStopped
	}
	return err
}

func (l *Loop) capture(ctx context.Context, frames chan<- *Frame) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	var tick, seq int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		tick++
		if l.frameSkip != nil {
			if skip := l.frameSkip(); skip > 1 && tick%int64(skip) != 0 {
				l.skipped.Add(1)
				continue
			}
		}

		captureCtx, cancel := context.WithTimeout(ctx, l.captureTimeout)
		frame, err := l.source.Next(captureCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			}
			l.failed.Add(1)
			l.logger.Warn("frame capture failed", "error", err)
			continue
		}

		seq++
		frame.Seq = seq
		l.captured.Add(1)

		select {
		case frames <- frame:
		default:
			l.dropped.Add(1)
			frame.release()
		}
	}
}

func (l *Loop) work(ctx context.Context, frames <-chan *Frame) {
	for frame := range frames {
		if l.stopped.Load() || ctx.Err() != nil {
			frame.release()
			continue
		}

		outcome, err := l.process(ctx, frame)
		l.processed.Add(1)
		source := frame.Source
		frame.release()

		if err != nil {
			l.failed.Add(1)
			if !errors.Is(err, ErrNoFace) && ctx.Err() == nil {
				l.logger.Warn("frame recognition failed", "seq", frame.Seq, "source", source, "error", err)
			}
		}

		// the loop may have been stopped while the frame was processed
		if l.stopped.Load() || ctx.Err() != nil {
			continue
		}
		if l.apply != nil {
			l.apply(Result{Seq: frame.Seq, Source: source, Outcome: outcome, Err: err})
			l.applied.Add(1)
		}
	}
}
