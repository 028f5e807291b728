// Package scheduler runs independent periodic behaviors. Each behavior owns
// its goroutine, its timer and its failure recovery; one failing behavior
// never stalls another.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	ErrBusy            = errors.New("behavior already running")
	ErrUnknownBehavior = errors.New("unknown behavior")
)

// Behavior is one periodic unit of work.
type Behavior struct {
	Name         string
	InitialDelay time.Duration
	Interval     time.Duration
	// RetryDelay is the first wait after a failure. Later consecutive
	// failures back off exponentially, never beyond Interval.
	RetryDelay time.Duration
	// Jitter is the fraction of Interval (0..1) added or removed at random.
	Jitter float64
	Run    func(ctx context.Context) error
}

func (b Behavior) validate() error {
	switch {
	case b.Name == "":
		return errors.New("behavior without name")
	case b.Run == nil:
		return fmt.Errorf("behavior %s: nil Run", b.Name)
	case b.Interval <= 0:
		return fmt.Errorf("behavior %s: interval must be positive", b.Name)
	case b.RetryDelay <= 0 || b.RetryDelay >= b.Interval:
		return fmt.Errorf("behavior %s: retry delay must be in (0, interval)", b.Name)
	case b.Jitter < 0 || b.Jitter >= 1:
		return fmt.Errorf("behavior %s: jitter must be in [0, 1)", b.Name)
	}
	return nil
}

// Stats is a point-in-time view of one behavior.
type Stats struct {
	Name      string
	Runs      int64
	Failures  int64
	LastRun   time.Time
	LastError string
}

type runner struct {
	Behavior
	inFlight atomic.Bool

	mu    sync.Mutex
	stats Stats
}

type Scheduler struct {
	mu      sync.Mutex
	runners map[string]*runner
	order   []string
	wg      sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{runners: make(map[string]*runner)}
}

// Start launches every behavior on its own goroutine. Loops exit when ctx is
// cancelled. All behaviors are validated before any is started.
func (s *Scheduler) Start(ctx context.Context, behaviors ...Behavior) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for _, b := range behaviors {
		if err := b.validate(); err != nil {
			return err
		}
		if seen[b.Name] || s.runners[b.Name] != nil {
			return fmt.Errorf("behavior %s: duplicate name", b.Name)
		}
		seen[b.Name] = true
	}

	for _, b := range behaviors {
		r := &runner{Behavior: b, stats: Stats{Name: b.Name}}
		s.runners[b.Name] = r
		s.order = append(s.order, b.Name)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			r.loop(ctx)
		}()
		slog.Info("behavior started", "behavior", b.Name, "interval", b.Interval)
	}
	return nil
}

// Wait blocks until every loop has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Trigger runs one extra unit of work for the named behavior now. It shares
// the behavior's single-flight guard.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	r := s.runners[name]
	s.mu.Unlock()
	if r == nil {
		return fmt.Errorf("%w: %s", ErrUnknownBehavior, name)
	}
	ok, err := r.attempt(ctx)
	if !ok {
		return ErrBusy
	}
	return err
}

func (s *Scheduler) Stats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stats, 0, len(s.order))
	for _, name := range s.order {
		r := s.runners[name]
		r.mu.Lock()
		out = append(out, r.stats)
		r.mu.Unlock()
	}
	return out
}

func (r *runner) loop(ctx context.Context) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = r.RetryDelay
	retry.MaxInterval = r.Interval / 2
	if retry.MaxInterval < r.RetryDelay {
		retry.MaxInterval = r.RetryDelay
	}
	retry.Multiplier = 2
	retry.RandomizationFactor = 0.2
	retry.Reset()

	if !sleep(ctx, r.InitialDelay) {
		return
	}
	for {
		ok, err := r.attempt(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := r.nextInterval()
		switch {
		case !ok:
			// a triggered run holds the guard; come back on the short delay
			wait = r.RetryDelay
		case err != nil:
			wait = retry.NextBackOff()
			if wait <= 0 || wait >= r.Interval {
				wait = r.RetryDelay
			}
			slog.Warn("behavior failed", "behavior", r.Name, "err", err, "retry_in", wait)
		default:
			retry.Reset()
		}

		if !sleep(ctx, wait) {
			slog.Info("behavior stopped", "behavior", r.Name)
			return
		}
	}
}

// attempt runs one unit of work under the single-flight guard. ok is false
// when another invocation was already in flight.
func (r *runner) attempt(ctx context.Context) (ok bool, err error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return false, nil
	}
	defer r.inFlight.Store(false)

	err = r.safeRun(ctx)

	r.mu.Lock()
	r.stats.Runs++
	r.stats.LastRun = time.Now()
	if err != nil {
		r.stats.Failures++
		r.stats.LastError = err.Error()
	}
	r.mu.Unlock()
	return true, err
}

func (r *runner) safeRun(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("behavior %s panicked: %v", r.Name, p)
		}
	}()
	return r.Run(ctx)
}

func (r *runner) nextInterval() time.Duration {
	if r.Jitter == 0 {
		return r.Interval
	}
	spread := float64(r.Interval) * r.Jitter
	return r.Interval + time.Duration((rand.Float64()*2-1)*spread)
}

// sleep waits for d or until ctx is done. It reports whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
