package types

import "time"

// SlotIndex is one of the N fixed positions on the circular path, 0..N-1.
type SlotIndex int

// Position is the screen coordinate of a slot. The geometry itself is not
// interpreted by the sync core.
type Position struct {
	X float64 `json:"position_x"`
	Y float64 `json:"position_y"`
}

// Visual carries how a ring is drawn. Pending is local only: it marks a
// speculative ring that the renderer shows translucent.
type Visual struct {
	Color   string  `json:"color"`
	RotateX int     `json:"rotate_x"`
	RotateY int     `json:"rotate_y"`
	Scale   float64 `json:"scale"`
	Position
	Pending bool `json:"-"`
}

// Ring is one placement record. At most one Ring occupies a slot within a cycle.
type Ring struct {
	ID            string    `json:"id"`
	OwnerUser     string    `json:"user"`
	SlotIndex     SlotIndex `json:"indexed"`
	Visual                  // flattened into the ring's JSON
	CreatedAt     time.Time `json:"created_at"`
	SequenceCount int       `json:"ring_count"`
}

// RingRef points at a server-confirmed ring.
type RingRef struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Ref identifies the ring for a side payload upload.
func (r Ring) Ref() RingRef {
	return RingRef{ID: r.ID, CreatedAt: r.CreatedAt}
}

// Slots returns the slot index of every ring, in order.
func Slots(rings []Ring) []SlotIndex {
	out := make([]SlotIndex, len(rings))
	for i, r := range rings {
		out[i] = r.SlotIndex
	}
	return out
}
