package sharding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrAskTimeout is returned when an entity does not answer before the deadline
	ErrAskTimeout = errors.New("ask timed out")
	// ErrRegionClosed is returned after Close
	ErrRegionClosed = errors.New("region closed")
)

// Factory recovers the entity for id, typically by replaying its journal
type Factory[E any] func(ctx context.Context, id string) (E, error)

// Handler runs inside the entity's goroutine
type Handler[E any] func(ctx context.Context, entity E) error

// Options tune a region
type Options struct {
	// PassivateAfter stops idle entities; zero keeps them forever
	PassivateAfter time.Duration
	MailboxSize    int
	TellTimeout    time.Duration
}

type envelope[E any] struct {
	ctx   context.Context
	fn    Handler[E]
	reply chan error
}

type cell[E any] struct {
	mailbox  chan envelope[E]
	quit     chan struct{}
	inflight atomic.Int64
	lastUsed atomic.Int64
}

func (c *cell[E]) touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}

// Region hosts the entities of one type on this node. Each entity runs
// in its own goroutine and handles one message at a time.
type Region[E any] struct {
	name    string
	factory Factory[E]
	opts    Options
	logger  *zap.Logger

	mu     sync.Mutex
	cells  map[string]*cell[E]
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewRegion creates a region for entities built by factory
func NewRegion[E any](name string, factory Factory[E], opts Options, logger *zap.Logger) *Region[E] {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 64
	}
	if opts.TellTimeout <= 0 {
		opts.TellTimeout = 30 * time.Second
	}
	return &Region[E]{
		name:    name,
		factory: factory,
		opts:    opts,
		logger:  logger.With(zap.String("region", name)),
		cells:   make(map[string]*cell[E]),
		stop:    make(chan struct{}),
	}
}

// Ask delivers fn to entity id and waits for its result or ctx
func (r *Region[E]) Ask(ctx context.Context, id string, fn Handler[E]) error {
	c, err := r.acquire(id)
	if err != nil {
		return err
	}

	env := envelope[E]{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case c.mailbox <- env:
	case <-ctx.Done():
		c.inflight.Add(-1)
		return r.askErr(ctx, id)
	case <-r.stop:
		c.inflight.Add(-1)
		return ErrRegionClosed
	}

	select {
	case err := <-env.reply:
		return err
	case <-ctx.Done():
		return r.askErr(ctx, id)
	case <-r.stop:
		return ErrRegionClosed
	}
}

// Tell delivers fn to entity id without waiting. Tells from one caller
// keep their order while the mailbox has room.
func (r *Region[E]) Tell(id string, fn Handler[E]) {
	c, err := r.acquire(id)
	if err != nil {
		r.logger.Warn("dropping tell", zap.String("entity_id", id), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.TellTimeout)
	logged := func(ctx context.Context, e E) error {
		defer cancel()
		if err := fn(ctx, e); err != nil {
			r.logger.Warn("tell handler failed", zap.String("entity_id", id), zap.Error(err))
			return err
		}
		return nil
	}
	env := envelope[E]{ctx: ctx, fn: logged, reply: make(chan error, 1)}

	select {
	case c.mailbox <- env:
		return
	default:
	}

	go func() {
		select {
		case c.mailbox <- env:
		case <-ctx.Done():
			c.inflight.Add(-1)
			cancel()
			r.logger.Warn("tell timed out", zap.String("entity_id", id))
		case <-r.stop:
			c.inflight.Add(-1)
			cancel()
		}
	}()
}

func (r *Region[E]) acquire(id string) (*cell[E], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegionClosed
	}

	c, ok := r.cells[id]
	if !ok {
		c = &cell[E]{
			mailbox: make(chan envelope[E], r.opts.MailboxSize),
			quit:    make(chan struct{}),
		}
		c.touch()
		r.cells[id] = c
		r.wg.Add(1)
		go r.run(id, c)
	}
	c.inflight.Add(1)
	return c, nil
}

func (r *Region[E]) run(id string, c *cell[E]) {
	defer r.wg.Done()

	var entity E
	loaded := false

	for {
		select {
		case <-c.quit:
			return
		case <-r.stop:
			return
		case env := <-c.mailbox:
			env.reply <- r.handle(id, c, env, &entity, &loaded)
			c.touch()
			c.inflight.Add(-1)
		}
	}
}

func (r *Region[E]) handle(id string, c *cell[E], env envelope[E], entity *E, loaded *bool) error {
	if err := env.ctx.Err(); err != nil {
		return err
	}
	if !*loaded {
		e, err := r.factory(env.ctx, id)
		if err != nil {
			r.logger.Error("failed to recover entity", zap.String("entity_id", id), zap.Error(err))
			return fmt.Errorf("failed to recover %s %s: %w", r.name, id, err)
		}
		*entity, *loaded = e, true
		r.logger.Debug("entity started", zap.String("entity_id", id))
	}
	return env.fn(env.ctx, *entity)
}

// Run passivates idle entities until ctx is done
func (r *Region[E]) Run(ctx context.Context) error {
	if r.opts.PassivateAfter <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(r.opts.PassivateAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		case <-ticker.C:
			if n := r.Passivate(r.opts.PassivateAfter); n > 0 {
				r.logger.Debug("passivated idle entities", zap.Int("count", n))
			}
		}
	}
}

// Passivate stops entities idle for longer than idle and returns how many stopped
func (r *Region[E]) Passivate(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-idle).UnixNano()
	n := 0
	for id, c := range r.cells {
		if c.inflight.Load() == 0 && c.lastUsed.Load() <= cutoff {
			delete(r.cells, id)
			close(c.quit)
			n++
		}
	}
	return n
}

// Active returns the number of running entities
func (r *Region[E]) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cells)
}

// Close stops every entity and waits for them to exit
func (r *Region[E]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.stop)
	r.cells = make(map[string]*cell[E])
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Region[E]) askErr(ctx context.Context, id string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s", ErrAskTimeout, r.name, id)
	}
	return ctx.Err()
}
