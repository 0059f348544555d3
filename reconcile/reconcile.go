package reconcile

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pixperk/deisync/commit"
	"github.com/pixperk/deisync/registry"
	"github.com/pixperk/deisync/types"
	"github.com/pixperk/deisync/wire"
)

// ErrSnapshotTooLarge rejects a snapshot with more rings than slots. The
// registry is left untouched.
var ErrSnapshotTooLarge = errors.New("reconcile: snapshot exceeds capacity")

// Delta describes what one inbound message did to local state.
type Delta struct {
	Kind wire.Kind

	Loaded       bool                 // snapshot applied
	Appended     bool                 // inbound ring appended
	Replaced     string               // local ring id the inbound ring replaced
	Reset        bool                 // cycle completed, registry cleared first
	Inconsistent bool                 // more rings than slots after append
	Confirmation *commit.Confirmation // our own placement was confirmed
	ReChoice     bool                 // speculative slot abandoned
	Speculative  *types.Ring          // new speculative ring, if one was picked
}

// Engine applies server messages to the registry and the commit protocol.
// It processes one message to completion before the next; it is not safe
// for concurrent use.
type Engine struct {
	reg    *registry.Registry
	proto  *commit.Protocol
	logger *zap.Logger
	loaded bool
}

// New returns an engine that has not loaded a snapshot yet.
func New(reg *registry.Registry, proto *commit.Protocol, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{reg: reg, proto: proto, logger: logger}
}

// Loaded reports whether a snapshot has been applied since start.
func (e *Engine) Loaded() bool { return e.loaded }

// Apply runs one inbound message through the decision table.
func (e *Engine) Apply(msg wire.Message) (Delta, error) {
	switch msg.Kind {
	case wire.KindSnapshot:
		return e.applySnapshot(msg.Rings)
	case wire.KindOwnConfirmation:
		return e.applyOwn(msg.Ring)
	case wire.KindPeerPlacement:
		return e.applyPeer(msg.Ring)
	}
	return Delta{}, fmt.Errorf("reconcile: unknown message kind %v", msg.Kind)
}

func (e *Engine) applySnapshot(rings []types.Ring) (Delta, error) {
	if len(rings) > e.reg.Capacity() {
		e.logger.Error("snapshot larger than capacity",
			zap.Int("rings", len(rings)),
			zap.Int("capacity", e.reg.Capacity()))
		return Delta{}, fmt.Errorf("%w: %d rings, capacity %d", ErrSnapshotTooLarge, len(rings), e.reg.Capacity())
	}

	e.reg.Initialize(rings)
	for _, r := range rings {
		e.proto.Observe(r)
	}
	e.loaded = true
	d := Delta{Kind: wire.KindSnapshot, Loaded: true}

	// initialize dropped our speculative ring; pick again on the fresh cycle
	if e.proto.State() == commit.Speculating {
		if err := e.reChoice(&d); err != nil {
			return d, err
		}
	}
	e.logger.Info("snapshot loaded", zap.Int("rings", len(rings)))
	return d, nil
}

func (e *Engine) applyOwn(r types.Ring) (Delta, error) {
	if e.proto.Pending() {
		conf, err := e.proto.Confirm(r)
		if err == nil {
			return Delta{Kind: wire.KindOwnConfirmation, Confirmation: &conf, Speculative: conf.Next}, nil
		}
		if !errors.Is(err, commit.ErrEchoMismatch) {
			return Delta{Kind: wire.KindOwnConfirmation}, err
		}
		e.logger.Warn("own echo does not match placement in flight", zap.Error(err))
	} else {
		e.logger.Info("own echo with nothing in flight, applying as placement",
			zap.String("id", r.ID),
			zap.Int("slot", int(r.SlotIndex)))
	}
	d, err := e.applyPeer(r)
	d.Kind = wire.KindOwnConfirmation
	return d, err
}

func (e *Engine) applyPeer(r types.Ring) (Delta, error) {
	d := Delta{Kind: wire.KindPeerPlacement}
	e.proto.Observe(r)
	spec, hasSpec := e.proto.Speculative()

	switch {
	case e.proto.Pending():
		// our placement is already out; a full cycle means someone else
		// just completed it
		if e.reg.Full() {
			e.reset(&d)
		}
		e.reg.Append(r)
		d.Appended = true
		if err := e.reChoice(&d); err != nil {
			return d, err
		}

	case hasSpec && r.SlotIndex == spec.SlotIndex:
		// remote confirmed beats local speculative
		if err := e.reg.Replace(spec.ID, r); err == nil {
			d.Replaced = spec.ID
		} else {
			// our pending ring is gone; the confirmed one must still render
			e.reg.Append(r)
			d.Appended = true
		}
		if e.reg.Full() {
			e.reset(&d)
		}
		if err := e.reChoice(&d); err != nil {
			return d, err
		}

	default:
		e.reg.Append(r)
		d.Appended = true
		if err := e.reg.Check(); err != nil {
			e.logger.Error("ring count exceeds capacity without a collision",
				zap.Error(err),
				zap.String("id", r.ID),
				zap.Int("slot", int(r.SlotIndex)))
			d.Inconsistent = true
		}
	}
	return d, nil
}

func (e *Engine) reset(d *Delta) {
	e.logger.Info("cycle complete, starting a new one", zap.Int("rendered", e.reg.Len()))
	e.reg.ResetAll()
	d.Reset = true
}

func (e *Engine) reChoice(d *Delta) error {
	d.ReChoice = true
	ring, picked, err := e.proto.ReChoice()
	if err != nil {
		return fmt.Errorf("re-choice: %w", err)
	}
	if picked {
		d.Speculative = &ring
	}
	return nil
}
