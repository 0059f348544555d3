package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pixperk/deisync/types"
)

// ErrMalformed is returned for a body that is neither a snapshot nor a ring.
var ErrMalformed = errors.New("wire: malformed message")

// Kind tags an inbound message. It is decided once, at decode time.
type Kind int

const (
	KindSnapshot        Kind = iota + 1 // full current cycle, sent on connect
	KindOwnConfirmation                 // echo of a placement made by this client
	KindPeerPlacement                   // placement made by someone else
)

func (k Kind) String() string {
	switch k {
	case KindSnapshot:
		return "snapshot"
	case KindOwnConfirmation:
		return "own-confirmation"
	case KindPeerPlacement:
		return "peer-placement"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Message is one inbound server message. Rings is set for snapshots,
// Ring for the two placement kinds.
type Message struct {
	Kind  Kind
	Rings []types.Ring
	Ring  types.Ring
}

// SnapshotMessage wraps a full ring list, as sent on connect or fetched on resync.
func SnapshotMessage(rings []types.Ring) Message {
	return Message{Kind: KindSnapshot, Rings: rings}
}

// OwnConfirmationMessage wraps the server echo of our own placement.
func OwnConfirmationMessage(r types.Ring) Message {
	return Message{Kind: KindOwnConfirmation, Ring: r}
}

// PeerPlacementMessage wraps a ring placed by another user.
func PeerPlacementMessage(r types.Ring) Message {
	return Message{Kind: KindPeerPlacement, Ring: r}
}

// Snapshot is the connect-time body: {"rings": [...]}.
type Snapshot struct {
	Rings []types.Ring `json:"rings"`
}

// Decode classifies a raw message from the push channel. A body with a
// "rings" key is a snapshot; otherwise it is a ring, and self decides
// whether it is our own echo.
func Decode(data []byte, self string) (Message, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if _, ok := probe["rings"]; ok {
		var sn Snapshot
		if err := json.Unmarshal(data, &sn); err != nil {
			return Message{}, fmt.Errorf("%w: snapshot: %v", ErrMalformed, err)
		}
		if sn.Rings == nil {
			sn.Rings = []types.Ring{}
		}
		return SnapshotMessage(sn.Rings), nil
	}

	if _, ok := probe["user"]; !ok {
		return Message{}, fmt.Errorf("%w: neither rings nor user present", ErrMalformed)
	}
	var r types.Ring
	if err := json.Unmarshal(data, &r); err != nil {
		return Message{}, fmt.Errorf("%w: ring: %v", ErrMalformed, err)
	}
	if self != "" && r.OwnerUser == self {
		return OwnConfirmationMessage(r), nil
	}
	return PeerPlacementMessage(r), nil
}

// CommitRequest is a ring as the client submits it. The server fills in
// id and created_at.
type CommitRequest struct {
	OwnerUser     string          `json:"user"`
	SlotIndex     types.SlotIndex `json:"indexed"`
	types.Visual
	SequenceCount int `json:"ring_count"`
}

// NewCommitRequest strips the local id and pending flag from r.
func NewCommitRequest(r types.Ring) CommitRequest {
	v := r.Visual
	v.Pending = false
	return CommitRequest{
		OwnerUser:     r.OwnerUser,
		SlotIndex:     r.SlotIndex,
		Visual:        v,
		SequenceCount: r.SequenceCount,
	}
}

// Ring converts a request back into a ring, as the server stores it.
func (c CommitRequest) Ring(id string, createdAt time.Time) types.Ring {
	return types.Ring{
		ID:            id,
		OwnerUser:     c.OwnerUser,
		SlotIndex:     c.SlotIndex,
		Visual:        c.Visual,
		CreatedAt:     createdAt,
		SequenceCount: c.SequenceCount,
	}
}

// SideRequest carries the photo taken with a placement. It is only sent
// once the placement is confirmed, so it can reference the server's id.
type SideRequest struct {
	RingID    string    `json:"ring_id"`
	CreatedAt time.Time `json:"created_at"`
	Image     string    `json:"image"` // base64
}

// NewSideRequest base64-encodes payload for the ring named by ref.
func NewSideRequest(ref types.RingRef, payload []byte) SideRequest {
	return SideRequest{
		RingID:    ref.ID,
		CreatedAt: ref.CreatedAt,
		Image:     base64.StdEncoding.EncodeToString(payload),
	}
}

func (s SideRequest) Ref() types.RingRef {
	return types.RingRef{ID: s.RingID, CreatedAt: s.CreatedAt}
}

// Payload decodes the image.
func (s SideRequest) Payload() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: image: %v", ErrMalformed, err)
	}
	return b, nil
}
