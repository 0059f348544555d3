package orbit

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pixperk/deisync/types"
)

// ErrExhausted means every slot is excluded: the cycle is full. Callers
// start a new cycle and pick again.
var ErrExhausted = errors.New("orbit: all slots used")

// Orbit is the fixed set of N slot positions a cycle is placed on.
type Orbit struct {
	Positions []types.Position // index i is the geometry of slot i
	N         int

	mu  sync.Mutex // rand.Rand is not safe for concurrent use
	rnd *rand.Rand
}

// New creates an orbit over a fixed geometry table.
func New(positions []types.Position, rnd *rand.Rand) (*Orbit, error) {
	if len(positions) == 0 {
		return nil, fmt.Errorf("need at least one slot")
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Orbit{
		Positions: positions,
		N:         len(positions),
		rnd:       rnd,
	}, nil
}

// Circle lays n slots evenly on a circle of the given radius, slot 0 at angle 0.
func Circle(n int, radius float64) []types.Position {
	positions := make([]types.Position, n)
	for i := 0; i < n; i++ {
		theta := 2 * math.Pi * float64(i) / float64(n)
		positions[i] = types.Position{
			X: radius * math.Cos(theta),
			Y: radius * math.Sin(theta),
		}
	}
	return positions
}

// Pick chooses a slot uniformly at random among those not in excluded.
// Indices in excluded outside [0, N) are ignored.
func (o *Orbit) Pick(excluded map[types.SlotIndex]struct{}) (Slot, error) {
	free := make([]types.SlotIndex, 0, o.N)
	// walk every slot once, skip the taken ones
	for i := 0; i < o.N; i++ {
		idx := types.SlotIndex(i)
		if _, taken := excluded[idx]; taken {
			continue
		}
		free = append(free, idx)
	}
	if len(free) == 0 {
		return Slot{}, ErrExhausted
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	idx := free[o.rnd.Intn(len(free))]
	return Slot{
		Index:    idx,
		Position: o.Positions[idx],
		Angle:    o.angleFor(idx),
	}, nil
}

// angleFor derives the rotation from the slot parity: even slots rotate
// within [0,1] on both axes, odd slots within [0,1] on X and [0,4] on Y.
// Caller holds mu.
func (o *Orbit) angleFor(idx types.SlotIndex) Angle {
	if idx%2 == 0 {
		return Angle{X: o.rnd.Intn(evenMaxX + 1), Y: o.rnd.Intn(evenMaxY + 1)}
	}
	return Angle{X: o.rnd.Intn(oddMaxX + 1), Y: o.rnd.Intn(oddMaxY + 1)}
}

// Color picks one entry of the palette.
func (o *Orbit) Color(palette []string) string {
	if len(palette) == 0 {
		return ""
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return palette[o.rnd.Intn(len(palette))]
}
