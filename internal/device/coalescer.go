package device

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/joshp123/melsync/internal/melcloud"
)

const DefaultSetDebounce = time.Second

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc is the default.
type AfterFunc func(d time.Duration, f func()) Timer

func systemAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Target is what the coalescer flushes into.
type Target interface {
	Snapshot() (melcloud.State, bool)
	ApplyWrite(state melcloud.State, key string, value any) error
	PushState(ctx context.Context, state melcloud.State) error
	Commit(state melcloud.State)
}

// Completion resolves once the flush that carries a write has finished.
type Completion struct {
	done chan struct{}
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) resolve(err error) {
	c.err = err
	close(c.done)
}

// Done is closed when the flush finished.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err is the flush result. Only meaningful after Done is closed.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the flush finished or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type CoalescerOption func(*Coalescer)

func WithTimerFunc(afterFunc AfterFunc) CoalescerOption {
	return func(c *Coalescer) {
		if afterFunc != nil {
			c.afterFunc = afterFunc
		}
	}
}

// WithFlushContext sets the context flushes run under. Flushes outlive the
// Set call that scheduled them, so this is normally a long-lived context.
func WithFlushContext(ctx context.Context) CoalescerOption {
	return func(c *Coalescer) {
		if ctx != nil {
			c.ctx = ctx
		}
	}
}

func WithCoalescerLogger(logger *slog.Logger) CoalescerOption {
	return func(c *Coalescer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Coalescer merges bursts of property writes into one state push.
//
// Every Set restarts the debounce window. When the window elapses without a
// new Set the pending writes are taken, applied onto a copy of the target's
// state and pushed. At most one push per coalescer is in flight; a cycle
// whose timer fires during a push waits for it.
type Coalescer struct {
	target    Target
	window    time.Duration
	afterFunc AfterFunc
	ctx       context.Context
	logger    *slog.Logger

	mu      sync.Mutex
	order   []string
	pending map[string]any
	timer   Timer
	// generation fences stale timer callbacks: a callback only flushes if
	// no Set happened after it was armed.
	generation uint64
	cycle      *Completion

	flushMu sync.Mutex
}

func NewCoalescer(target Target, window time.Duration, opts ...CoalescerOption) *Coalescer {
	if window <= 0 {
		window = DefaultSetDebounce
	}
	c := &Coalescer{
		target:    target,
		window:    window,
		afterFunc: systemAfterFunc,
		ctx:       context.Background(),
		logger:    slog.Default(),
		pending:   make(map[string]any),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set validates props, merges them into the pending writes and re-arms the
// debounce timer. A rejected property fails the whole call with a
// *ValidationError and nothing is merged. The returned Completion resolves
// with the result of the push that carries these writes.
func (c *Coalescer) Set(props map[string]any) (*Completion, error) {
	if len(props) == 0 {
		return nil, fmt.Errorf("no properties to set")
	}
	keys := make([]string, 0, len(props))
	for key := range props {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validate(keys, props); err != nil {
		return nil, err
	}

	if c.timer != nil {
		c.timer.Stop()
	}
	c.generation++
	gen := c.generation

	for _, key := range keys {
		if _, ok := c.pending[key]; !ok {
			c.order = append(c.order, key)
		}
		c.pending[key] = props[key]
	}
	writesTotal.Add(float64(len(keys)))

	if c.cycle == nil {
		c.cycle = newCompletion()
	}
	c.timer = c.afterFunc(c.window, func() { c.fire(gen) })
	return c.cycle, nil
}

// validate runs the new writes through the kind rules on a scratch copy that
// already carries the pending writes, so mode-dependent limits see the mode
// that will be sent. Caller holds c.mu.
func (c *Coalescer) validate(keys []string, props map[string]any) error {
	scratch, _ := c.target.Snapshot()
	scratch = scratch.Clone()
	for _, key := range c.order {
		_ = c.applyOne(scratch, key, c.pending[key])
	}
	for _, key := range keys {
		if err := c.applyOne(scratch, key, props[key]); err != nil {
			return &ValidationError{Key: key, Value: props[key], Err: err}
		}
	}
	return nil
}

func (c *Coalescer) applyOne(state melcloud.State, key string, value any) error {
	if key == PropertyPower {
		on, err := toBool(value)
		if err != nil {
			return err
		}
		state[keyPower] = on
		addFlags(state, flagPower)
		return nil
	}
	return c.target.ApplyWrite(state, key, value)
}

func (c *Coalescer) fire(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.cycle == nil {
		c.mu.Unlock()
		return
	}
	keys := c.order
	values := c.pending
	cycle := c.cycle
	c.order = nil
	c.pending = make(map[string]any)
	c.cycle = nil
	c.timer = nil
	c.mu.Unlock()

	cycle.resolve(c.flush(keys, values))
}

func (c *Coalescer) flush(keys []string, values map[string]any) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	base, ok := c.target.Snapshot()
	if !ok {
		flushTotal.WithLabelValues("no_state").Inc()
		return ErrNoState
	}

	state := base.Clone()
	for _, key := range keys {
		if err := c.applyOne(state, key, values[key]); err != nil {
			flushTotal.WithLabelValues("invalid").Inc()
			return &ValidationError{Key: key, Value: values[key], Err: err}
		}
	}
	// The payload is sent even when no flag ended up set.
	if effectiveFlags(state) != 0 {
		state[keyHasPendingCommand] = true
	}

	start := time.Now()
	err := c.target.PushState(c.ctx, state)
	flushDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		flushTotal.WithLabelValues("error").Inc()
		c.logger.Warn("state push failed", "writes", len(keys), "error", err)
		return err
	}

	c.target.Commit(state)
	flushTotal.WithLabelValues("ok").Inc()
	c.logger.Debug("state pushed", "writes", len(keys))
	return nil
}
