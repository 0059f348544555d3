package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pixperk/deisync/client"
	"github.com/pixperk/deisync/commit"
	"github.com/pixperk/deisync/digest"
	"github.com/pixperk/deisync/orbit"
	"github.com/pixperk/deisync/reconcile"
	"github.com/pixperk/deisync/registry"
	"github.com/pixperk/deisync/types"
	"github.com/pixperk/deisync/wire"
)

var (
	ErrStreamClosed   = errors.New("agent: stream closed by server")
	ErrConfirmTimeout = errors.New("agent: placement was not confirmed in time")
)

// Options configures an Agent. Identity and Capacity are required.
type Options struct {
	Identity       string
	Capacity       int
	Radius         float64
	Scale          float64
	Palette        []string
	ConfirmTimeout time.Duration // zero waits forever
	RequestTimeout time.Duration
	AutoSpeculate  bool

	// ResyncDelay and MaxResyncDelay bound the backoff between failed
	// resync fetches.
	ResyncDelay    time.Duration
	MaxResyncDelay time.Duration

	Allocator commit.Allocator // defaults to an orbit over a circle
	Notifier  Notifier         // defaults to LogNotifier
	Logger    *zap.Logger
}

// Status is a point-in-time view of the session.
type Status struct {
	State       commit.State
	Speculative *types.Ring
	Loaded      bool
	Rings       []types.Ring
}

// Agent is one client session. A single loop goroutine owns the registry,
// the commit protocol and the engine; server messages are applied there
// one at a time in arrival order, and network sends report back to it.
type Agent struct {
	opts     Options
	client   *client.Client
	reg      *registry.Registry
	proto    *commit.Protocol
	engine   *reconcile.Engine
	notifier Notifier
	logger   *zap.Logger

	shoots  chan shootReq
	calls   chan func()
	results chan func()
	ready   chan struct{}

	resyncing bool
}

type shootReq struct {
	payload []byte
	done    chan error
}

// New builds an agent over c. Run starts it.
func New(c *client.Client, opts Options) (*Agent, error) {
	if opts.Identity == "" {
		return nil, fmt.Errorf("identity is required")
	}
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", opts.Capacity)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{Logger: opts.Logger}
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.ResyncDelay <= 0 {
		opts.ResyncDelay = 250 * time.Millisecond
	}
	if opts.MaxResyncDelay < opts.ResyncDelay {
		opts.MaxResyncDelay = 10 * time.Second
	}
	if opts.Allocator == nil {
		radius := opts.Radius
		if radius == 0 {
			radius = 1
		}
		o, err := orbit.New(orbit.Circle(opts.Capacity, radius), rand.New(rand.NewSource(time.Now().UnixNano())))
		if err != nil {
			return nil, err
		}
		opts.Allocator = o
	}

	logger := opts.Logger.With(zap.String("user", opts.Identity))
	reg := registry.New(opts.Capacity, logger.Named("registry"))
	proto := commit.New(reg, opts.Allocator, commit.Options{
		Identity: opts.Identity,
		Palette:  opts.Palette,
		Scale:    opts.Scale,
		Logger:   logger.Named("commit"),
	})
	return &Agent{
		opts:     opts,
		client:   c,
		reg:      reg,
		proto:    proto,
		engine:   reconcile.New(reg, proto, logger.Named("reconcile")),
		notifier: opts.Notifier,
		logger:   logger,
		shoots:   make(chan shootReq),
		calls:    make(chan func()),
		results:  make(chan func()),
		ready:    make(chan struct{}),
	}, nil
}

// Registry is the rendered ring set. Renderers subscribe to it; they must
// not mutate it.
func (a *Agent) Registry() *registry.Registry { return a.reg }

// Ready is closed once the first snapshot has been applied.
func (a *Agent) Ready() <-chan struct{} { return a.ready }

// Run connects to the stream and processes events until ctx is done or
// the stream ends.
func (a *Agent) Run(ctx context.Context) error {
	stream, err := a.client.Dial(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	inbound := make(chan []byte)

	g.Go(func() error {
		defer close(inbound)
		for {
			buf, err := stream.Read()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			select {
			case inbound <- buf:
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		return stream.Close()
	})
	g.Go(func() error {
		return a.loop(gctx, g, inbound)
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *Agent) loop(ctx context.Context, g *errgroup.Group, inbound <-chan []byte) error {
	var tick <-chan time.Time
	if a.opts.ConfirmTimeout > 0 {
		t := time.NewTicker(checkInterval(a.opts.ConfirmTimeout))
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case buf, ok := <-inbound:
			if !ok {
				return ErrStreamClosed
			}
			a.handleMessage(ctx, g, buf)

		case req := <-a.shoots:
			a.handleShoot(ctx, g, req)

		case fn := <-a.results:
			fn()

		case fn := <-a.calls:
			fn()

		case now := <-tick:
			if a.proto.Expired(now, a.opts.ConfirmTimeout) {
				a.fail(ctx, g, CodeCommitFailed, ErrConfirmTimeout)
			}
		}
	}
}

func checkInterval(timeout time.Duration) time.Duration {
	iv := timeout / 4
	if iv < 10*time.Millisecond {
		iv = 10 * time.Millisecond
	}
	return iv
}

func (a *Agent) handleMessage(ctx context.Context, g *errgroup.Group, buf []byte) {
	msg, err := wire.Decode(buf, a.opts.Identity)
	if err != nil {
		a.logger.Warn("dropping malformed message", zap.Error(err))
		return
	}

	d, err := a.engine.Apply(msg)
	if err != nil {
		a.logger.Error("apply message", zap.Stringer("kind", msg.Kind), zap.Error(err))
		return
	}
	a.logger.Debug("applied",
		zap.Stringer("kind", d.Kind),
		zap.Bool("reset", d.Reset),
		zap.Bool("rechoice", d.ReChoice),
		zap.Int("rendered", a.reg.Len()))

	if d.Loaded {
		select {
		case <-a.ready:
		default:
			close(a.ready)
		}
	}
	if d.Confirmation != nil && d.Confirmation.Side != nil {
		a.sendSide(ctx, g, *d.Confirmation.Side)
	}
	a.maybeSpeculate()
}

// maybeSpeculate keeps a pending ring on screen whenever nothing is in flight.
func (a *Agent) maybeSpeculate() {
	if !a.opts.AutoSpeculate || !a.engine.Loaded() || a.resyncing {
		return
	}
	switch a.proto.State() {
	case commit.Idle, commit.Confirmed:
		if _, err := a.proto.Speculate(); err != nil {
			a.logger.Error("speculate", zap.Error(err))
		}
	}
}

func (a *Agent) handleShoot(ctx context.Context, g *errgroup.Group, req shootReq) {
	commitReq, err := a.proto.Submit(req.payload)
	if err != nil {
		req.done <- err
		return
	}

	g.Go(func() error {
		rctx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
		defer cancel()
		stored, err := a.client.PostRing(rctx, commitReq)
		a.deliver(ctx, func() {
			if err != nil {
				// the echo may already have confirmed us if only the response was lost
				if a.proto.Pending() {
					a.fail(ctx, g, CodeCommitFailed, err)
				} else {
					a.notifier.Error(CodeCommitFailed, err)
				}
				req.done <- err
				return
			}
			a.logger.Debug("commit accepted", zap.String("id", stored.ID))
			a.notifier.Info(CodePlaced)
			req.done <- nil
		})
		return nil
	})
}

func (a *Agent) sendSide(ctx context.Context, g *errgroup.Group, side wire.SideRequest) {
	g.Go(func() error {
		rctx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
		defer cancel()
		err := a.client.PostImage(rctx, side)
		if err == nil {
			return nil
		}
		a.deliver(ctx, func() {
			a.notifier.Error(CodeImageUploadFailed, err)
			a.resync(ctx, g)
		})
		return nil
	})
}

// fail handles a transport failure: tell the user, drop the local
// placement and resynchronize from the server. The rendered rings stay
// as they are until the fresh snapshot arrives.
func (a *Agent) fail(ctx context.Context, g *errgroup.Group, code string, err error) {
	a.notifier.Error(code, err)
	a.proto.Abort()
	a.resync(ctx, g)
}

func (a *Agent) resync(ctx context.Context, g *errgroup.Group) {
	if a.resyncing {
		return
	}
	a.resyncing = true
	a.fetchSnapshot(ctx, g, 0)
}

// fetchSnapshot loads the server's rings and applies them as a snapshot.
// A failed fetch is retried with backoff until it succeeds or the agent
// stops; the aborted ring stays rendered meanwhile.
func (a *Agent) fetchSnapshot(ctx context.Context, g *errgroup.Group, attempt int) {
	g.Go(func() error {
		if attempt > 0 {
			select {
			case <-time.After(resyncBackoff(a.opts.ResyncDelay, a.opts.MaxResyncDelay, attempt)):
			case <-ctx.Done():
				return nil
			}
		}
		rctx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
		defer cancel()
		rings, err := a.client.FetchRings(rctx)
		a.deliver(ctx, func() {
			if err != nil {
				a.logger.Error("resync failed", zap.Int("attempt", attempt+1), zap.Error(err))
				a.fetchSnapshot(ctx, g, attempt+1)
				return
			}
			a.resyncing = false
			if diverged := digest.Divergent(a.opts.Capacity, a.reg.Rings(), rings); len(diverged) > 0 {
				a.logger.Warn("registry diverged from server",
					zap.Int("slots", len(diverged)),
					zap.Any("diverged", diverged))
			}
			if _, err := a.engine.Apply(wire.SnapshotMessage(rings)); err != nil {
				a.logger.Error("apply resync snapshot", zap.Error(err))
				return
			}
			a.maybeSpeculate()
		})
		return nil
	})
}

// resyncBackoff is base * 2^(attempt-1), capped at ceiling.
func resyncBackoff(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt > 16 {
		return ceiling
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > ceiling {
		delay = ceiling
	}
	return delay
}

// deliver hands fn to the loop. It gives up if the agent is stopping.
func (a *Agent) deliver(ctx context.Context, fn func()) {
	select {
	case a.results <- fn:
	case <-ctx.Done():
	}
}

// Shoot commits the current speculative ring with an optional photo and
// waits for the server to accept it. Confirmation arrives separately on
// the stream.
func (a *Agent) Shoot(ctx context.Context, payload []byte) error {
	req := shootReq{payload: payload, done: make(chan error, 1)}
	select {
	case a.shoots <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Speculate asks for a speculative ring now, for sessions that do not
// auto-speculate.
func (a *Agent) Speculate(ctx context.Context) (types.Ring, error) {
	var (
		ring types.Ring
		err  error
	)
	if cerr := a.call(ctx, func() { ring, err = a.proto.Speculate() }); cerr != nil {
		return types.Ring{}, cerr
	}
	return ring, err
}

// Status reads the session state on the loop.
func (a *Agent) Status(ctx context.Context) (Status, error) {
	var st Status
	err := a.call(ctx, func() {
		st.State = a.proto.State()
		if spec, ok := a.proto.Speculative(); ok {
			st.Speculative = &spec
		}
		st.Loaded = a.engine.Loaded()
		st.Rings = a.reg.Rings()
	})
	return st, err
}

func (a *Agent) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case a.calls <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}
