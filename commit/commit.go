package commit

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pixperk/deisync/orbit"
	"github.com/pixperk/deisync/registry"
	"github.com/pixperk/deisync/types"
	"github.com/pixperk/deisync/wire"
)

var (
	ErrCommitInFlight = errors.New("commit: placement already sent, waiting for confirmation")
	ErrNotSpeculating = errors.New("commit: no speculative placement to send")
	ErrNotSent        = errors.New("commit: nothing in flight to confirm")
	ErrEchoMismatch   = errors.New("commit: echo does not match the placement in flight")
)

// Allocator picks free slots and ring colors. *orbit.Orbit implements it.
type Allocator interface {
	Pick(excluded map[types.SlotIndex]struct{}) (orbit.Slot, error)
	Color(palette []string) string
}

// Options configures a Protocol. NewID and Now default to uuid and the wall clock.
type Options struct {
	Identity string
	Palette  []string
	Scale    float64
	Logger   *zap.Logger

	// test hooks
	NewID func() string
	Now   func() time.Time
}

// Confirmation is what Confirm hands back to the caller.
type Confirmation struct {
	Ring types.Ring         // the server's ring, now rendered solid
	Side *wire.SideRequest  // held payload to send now, nil if none
	Next *types.Ring        // new speculative ring if a re-choice was deferred
}

// Protocol is the commit state machine of one local session. It is not
// safe for concurrent use; the session loop owns it.
type Protocol struct {
	self    string
	reg     *registry.Registry
	alloc   Allocator
	palette []string
	scale   float64
	newID   func() string
	now     func() time.Time
	logger  *zap.Logger

	state    State
	spec     types.Ring // speculative or in-flight ring, local id
	payload  []byte     // side payload held until confirmation
	sentAt   time.Time
	rechoose bool // a re-choice arrived while Sent
	latest   int  // highest ring count seen
}

// New returns an Idle protocol that renders into reg.
func New(reg *registry.Registry, alloc Allocator, opts Options) *Protocol {
	p := &Protocol{
		self:    opts.Identity,
		reg:     reg,
		alloc:   alloc,
		palette: opts.Palette,
		scale:   opts.Scale,
		newID:   opts.NewID,
		now:     opts.Now,
		logger:  opts.Logger,
	}
	if p.newID == nil {
		p.newID = func() string { return "local-" + uuid.NewString() }
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.scale == 0 {
		p.scale = 1
	}
	return p
}

func (p *Protocol) Identity() string { return p.self }
func (p *Protocol) State() State     { return p.state }

// Pending reports the pending-send flag: a placement was sent and its echo
// has not arrived.
func (p *Protocol) Pending() bool { return p.state == Sent }

// Speculative returns the local ring while Speculating or Sent.
func (p *Protocol) Speculative() (types.Ring, bool) {
	if p.state != Speculating && p.state != Sent {
		return types.Ring{}, false
	}
	return p.spec, true
}

// LatestCount is the highest ring count seen from the server.
func (p *Protocol) LatestCount() int { return p.latest }

// Observe records a ring seen from the server so the next speculation
// continues its count.
func (p *Protocol) Observe(r types.Ring) {
	if r.SequenceCount > p.latest {
		p.latest = r.SequenceCount
	}
}

// Speculate picks a free slot and renders a pending ring there. While
// already Speculating it returns the current ring unchanged.
func (p *Protocol) Speculate() (types.Ring, error) {
	switch p.state {
	case Sent:
		return types.Ring{}, ErrCommitInFlight
	case Speculating:
		return p.spec, nil
	}

	ring, err := p.build()
	if err != nil {
		return types.Ring{}, err
	}
	p.reg.Append(ring)
	p.enter(ring)
	return ring, nil
}

// ReChoice abandons the current speculative slot and picks a new one. If
// the old ring is still rendered it is swapped in place; callers that have
// already replaced or reset it get a plain append. While Sent the choice
// is deferred until the placement is confirmed or aborted.
func (p *Protocol) ReChoice() (types.Ring, bool, error) {
	if p.state == Sent {
		p.rechoose = true
		p.logger.Debug("re-choice deferred until confirmation",
			zap.Int("slot", int(p.spec.SlotIndex)))
		return types.Ring{}, false, nil
	}

	old, hadOld := p.Speculative()
	ring, err := p.build()
	if err != nil {
		return types.Ring{}, false, err
	}
	if hadOld {
		if _, rendered := p.reg.Find(old.ID); rendered {
			if err := p.reg.Replace(old.ID, ring); err != nil {
				return types.Ring{}, false, err
			}
			p.enter(ring)
			return ring, true, nil
		}
	}
	p.reg.Append(ring)
	p.enter(ring)
	return ring, true, nil
}

// Submit moves the speculative ring to Sent and returns the request to
// transmit. payload is held and sent after confirmation.
func (p *Protocol) Submit(payload []byte) (wire.CommitRequest, error) {
	switch p.state {
	case Sent:
		return wire.CommitRequest{}, ErrCommitInFlight
	case Speculating:
	default:
		return wire.CommitRequest{}, ErrNotSpeculating
	}

	p.state = Sent
	p.payload = payload
	p.sentAt = p.now()
	p.logger.Info("placement sent",
		zap.String("id", p.spec.ID),
		zap.Int("slot", int(p.spec.SlotIndex)),
		zap.Int("ring_count", p.spec.SequenceCount))
	return wire.NewCommitRequest(p.spec), nil
}

// Confirm applies the server's echo of our placement: the pending ring is
// replaced by the server's solid one and the held payload is released.
func (p *Protocol) Confirm(echo types.Ring) (Confirmation, error) {
	if p.state != Sent {
		return Confirmation{}, ErrNotSent
	}
	if echo.OwnerUser != p.self || echo.SlotIndex != p.spec.SlotIndex {
		return Confirmation{}, fmt.Errorf("%w: got user %q slot %d, sent slot %d",
			ErrEchoMismatch, echo.OwnerUser, echo.SlotIndex, p.spec.SlotIndex)
	}

	echo.Pending = false
	if _, rendered := p.reg.Find(echo.ID); rendered {
		// a resync snapshot already carried the confirmed ring
		p.logger.Debug("echo already rendered", zap.String("id", echo.ID))
	} else if err := p.reg.Replace(p.spec.ID, echo); err != nil {
		// a cycle reset wiped our pending ring; the confirmed one still renders
		p.reg.Append(echo)
	}
	p.Observe(echo)

	out := Confirmation{Ring: echo}
	if p.payload != nil {
		side := wire.NewSideRequest(echo.Ref(), p.payload)
		out.Side = &side
	}
	p.logger.Info("placement confirmed",
		zap.String("id", echo.ID),
		zap.Int("slot", int(echo.SlotIndex)),
		zap.Duration("latency", p.now().Sub(p.sentAt)))

	p.state = Confirmed
	p.spec = types.Ring{}
	p.payload = nil

	if p.rechoose {
		p.rechoose = false
		next, err := p.Speculate()
		if err != nil {
			return out, err
		}
		out.Next = &next
	}
	return out, nil
}

// Abort drops the local placement after a transport failure. The rendered
// ring is left alone; the caller resynchronizes the registry.
func (p *Protocol) Abort() {
	if p.state == Idle {
		return
	}
	p.logger.Warn("placement aborted",
		zap.Stringer("state", p.state),
		zap.String("id", p.spec.ID))
	p.state = Idle
	p.spec = types.Ring{}
	p.payload = nil
	p.rechoose = false
}

// Expired reports whether a Sent placement has waited longer than timeout
// for its echo. A zero timeout never expires.
func (p *Protocol) Expired(now time.Time, timeout time.Duration) bool {
	return p.state == Sent && timeout > 0 && now.Sub(p.sentAt) >= timeout
}

// build picks a slot and makes a pending ring for it. A full cycle starts
// a new one and picks again.
func (p *Protocol) build() (types.Ring, error) {
	slot, err := p.alloc.Pick(p.reg.Used())
	if errors.Is(err, orbit.ErrExhausted) {
		p.logger.Info("cycle full, starting a new one", zap.Int("rendered", p.reg.Len()))
		p.reg.ResetAll()
		slot, err = p.alloc.Pick(p.reg.Used())
	}
	if err != nil {
		return types.Ring{}, fmt.Errorf("pick slot: %w", err)
	}

	return types.Ring{
		ID:        p.newID(),
		OwnerUser: p.self,
		SlotIndex: slot.Index,
		Visual: types.Visual{
			Color:    p.alloc.Color(p.palette),
			RotateX:  slot.Angle.X,
			RotateY:  slot.Angle.Y,
			Scale:    p.scale,
			Position: slot.Position,
			Pending:  true,
		},
		SequenceCount: p.latest + 1,
	}, nil
}

func (p *Protocol) enter(ring types.Ring) {
	p.state = Speculating
	p.spec = ring
	p.logger.Debug("speculating",
		zap.String("id", ring.ID),
		zap.Int("slot", int(ring.SlotIndex)))
}
