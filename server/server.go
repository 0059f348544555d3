package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pixperk/deisync/client"
	"github.com/pixperk/deisync/storage"
	"github.com/pixperk/deisync/types"
	"github.com/pixperk/deisync/wire"
)

// Server is an in-memory ring authority. It sequences placements, keeps
// the current cycle, and broadcasts every accepted ring to all streams.
type Server struct {
	capacity int
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex // protects the fields below
	rings  []types.Ring
	used   map[types.SlotIndex]bool
	count  int
	cycle  int
	known  map[string]time.Time // every ring id ever accepted -> created_at
	hub    *hub
	closed bool

	photos storage.Store

	newID func() string
	now   func() time.Time
}

// New returns an empty authority with capacity slots per cycle.
func New(capacity int, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		capacity: capacity,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		used:   make(map[types.SlotIndex]bool),
		known:  make(map[string]time.Time),
		hub:    newHub(logger),
		photos: storage.NewPhotos(),
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Handler routes the ring API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+client.RingsPath, s.handleGetRings)
	mux.HandleFunc("POST "+client.RingsPath, s.handlePostRing)
	mux.HandleFunc("POST "+client.ImagesPath, s.handlePostImage)
	mux.HandleFunc("GET "+client.ImagesPath+"/{id}", s.handleGetImage)
	mux.HandleFunc("GET "+client.StreamPath, s.handleStream)
	return mux
}

// Close drops every stream. New streams are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.hub.closeAll()
}

// Rings returns the current cycle.
func (s *Server) Rings() []types.Ring {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Ring, len(s.rings))
	copy(out, s.rings)
	return out
}

// Cycle is the number of completed cycles.
func (s *Server) Cycle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycle
}

// Image reports whether a photo was uploaded for the ring and its size.
func (s *Server) Image(ringID string) (int, bool) {
	payload, ok := s.photos.Get(ringID)
	return len(payload), ok
}

// Photos lists the ids of rings that have a photo attached.
func (s *Server) Photos() []string {
	ids := s.photos.Keys()
	sort.Strings(ids)
	return ids
}

// Subscribers is the number of open streams.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hub.size()
}

func (s *Server) handleGetRings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, wire.Snapshot{Rings: s.Rings()})
}

// Place validates and stores one placement, starting a new cycle when the
// current one is full. The stored ring is broadcast before Place returns.
func (s *Server) Place(req wire.CommitRequest) (types.Ring, int, error) {
	if req.OwnerUser == "" {
		return types.Ring{}, http.StatusBadRequest, fmt.Errorf("user is required")
	}
	if req.SlotIndex < 0 || int(req.SlotIndex) >= s.capacity {
		return types.Ring{}, http.StatusBadRequest, fmt.Errorf("slot %d out of range [0,%d)", req.SlotIndex, s.capacity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rings) >= s.capacity {
		s.rings = nil
		s.used = make(map[types.SlotIndex]bool)
		s.cycle++
		s.logger.Info("cycle complete", zap.Int("cycle", s.cycle))
	}
	if s.used[req.SlotIndex] {
		return types.Ring{}, http.StatusConflict, fmt.Errorf("slot %d already taken", req.SlotIndex)
	}

	s.count++
	req.SequenceCount = s.count
	ring := req.Ring(s.newID(), s.now())
	s.rings = append(s.rings, ring)
	s.used[ring.SlotIndex] = true
	s.known[ring.ID] = ring.CreatedAt

	msg, err := json.Marshal(ring)
	if err != nil {
		return types.Ring{}, http.StatusInternalServerError, err
	}
	s.hub.broadcast(msg)

	s.logger.Info("ring placed",
		zap.String("id", ring.ID),
		zap.String("user", ring.OwnerUser),
		zap.Int("slot", int(ring.SlotIndex)),
		zap.Int("ring_count", ring.SequenceCount),
		zap.Int("subscribers", s.hub.size()))
	return ring, http.StatusCreated, nil
}

func (s *Server) handlePostRing(w http.ResponseWriter, r *http.Request) {
	var req wire.CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad ring: "+err.Error(), http.StatusBadRequest)
		return
	}
	ring, status, err := s.Place(req)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, status, ring)
}

func (s *Server) handlePostImage(w http.ResponseWriter, r *http.Request) {
	var req wire.SideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad image: "+err.Error(), http.StatusBadRequest)
		return
	}
	payload, err := req.Payload()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	createdAt, ok := s.known[req.RingID]
	s.mu.Unlock()

	if !ok || !createdAt.Equal(req.CreatedAt) {
		http.Error(w, "unknown ring "+req.RingID, http.StatusNotFound)
		return
	}
	s.photos.Put(req.Ref(), payload)
	s.logger.Info("image stored", zap.String("ring", req.RingID), zap.Int("bytes", len(payload)))
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.photos.Get(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(payload))
	_, _ = w.Write(payload)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	sub := &subscriber{conn: conn, send: make(chan []byte, sendBuffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	snapshot := make([]types.Ring, len(s.rings))
	copy(snapshot, s.rings)
	buf, err := json.Marshal(wire.Snapshot{Rings: snapshot})
	if err != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	// snapshot goes first, then every ring accepted after it
	sub.send <- buf
	s.hub.subscribe(sub)
	s.mu.Unlock()

	s.logger.Debug("stream opened", zap.String("remote", r.RemoteAddr))
	eof := make(chan struct{})
	go sub.readLoop(eof)
	sub.writeLoop(eof)

	s.mu.Lock()
	s.hub.unsubscribe(sub)
	s.mu.Unlock()
	conn.Close()
	<-eof
	s.logger.Debug("stream closed", zap.String("remote", r.RemoteAddr))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
