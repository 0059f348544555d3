package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pixperk/deisync/client"
	"github.com/pixperk/deisync/commit"
	"github.com/pixperk/deisync/orbit"
	"github.com/pixperk/deisync/registry"
	"github.com/pixperk/deisync/server"
	"github.com/pixperk/deisync/types"
	"github.com/pixperk/deisync/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type scripted struct {
	mu     sync.Mutex
	n      int
	script []types.SlotIndex
}

func (s *scripted) Pick(excluded map[types.SlotIndex]struct{}) (orbit.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.script) > 0 {
		next := s.script[0]
		s.script = s.script[1:]
		if _, taken := excluded[next]; !taken {
			return orbit.Slot{Index: next}, nil
		}
	}
	for i := 0; i < s.n; i++ {
		if _, taken := excluded[types.SlotIndex(i)]; !taken {
			return orbit.Slot{Index: types.SlotIndex(i)}, nil
		}
	}
	return orbit.Slot{}, orbit.ErrExhausted
}

func (s *scripted) Color([]string) string { return "#fff" }

type recorder struct {
	mu    sync.Mutex
	infos []string
	errs  []error
	codes []string
}

func (r *recorder) Info(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, code)
}

func (r *recorder) Error(code string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
	r.errs = append(r.errs, err)
}

func (r *recorder) infoCodes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.infos...)
}

func (r *recorder) errorCodes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.codes...)
}

func (r *recorder) hasError(target error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, err := range r.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type harness struct {
	t   *testing.T
	srv *server.Server
	ts  *httptest.Server
}

// newHarness serves the reference server, optionally wrapped to override routes.
func newHarness(t *testing.T, capacity int, override func(*server.Server, *http.ServeMux)) *harness {
	t.Helper()
	srv := server.New(capacity, nil)
	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	if override != nil {
		override(srv, mux)
	}
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)
	return &harness{t: t, srv: srv, ts: ts}
}

func (h *harness) start(user string, opts Options) (*Agent, <-chan error) {
	h.t.Helper()
	c, err := client.New(h.ts.URL, client.WithHTTPClient(h.ts.Client()))
	require.NoError(h.t, err)

	opts.Identity = user
	if opts.Capacity == 0 {
		opts.Capacity = 4
	}
	a, err := New(c, opts)
	require.NoError(h.t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		errc <- a.Run(ctx)
		close(stopped)
	}()
	h.t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(waitFor):
			h.t.Error("agent did not stop")
		}
	})

	select {
	case <-a.Ready():
	case <-time.After(waitFor):
		h.t.Fatalf("agent %s never loaded the snapshot", user)
	}
	return a, errc
}

func status(t *testing.T, a *Agent) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	st, err := a.Status(ctx)
	require.NoError(t, err)
	return st
}

func specSlot(st Status) types.SlotIndex {
	if st.Speculative == nil {
		return -1
	}
	return st.Speculative.SlotIndex
}

func TestNewValidates(t *testing.T) {
	c, err := client.New("http://localhost:1")
	require.NoError(t, err)
	_, err = New(c, Options{Capacity: 4})
	assert.Error(t, err)
	_, err = New(c, Options{Identity: "A"})
	assert.Error(t, err)
}

func TestAutoSpeculateAfterSnapshot(t *testing.T) {
	h := newHarness(t, 4, nil)
	_, _, err := h.srv.Place(wire.CommitRequest{OwnerUser: "X", SlotIndex: 0})
	require.NoError(t, err)

	a, _ := h.start("A", Options{AutoSpeculate: true, Allocator: &scripted{n: 4, script: []types.SlotIndex{0, 3}}})

	require.Eventually(t, func() bool {
		return specSlot(status(t, a)) == 3
	}, waitFor, tick)
	st := status(t, a)
	assert.Equal(t, commit.Speculating, st.State)
	assert.Len(t, st.Rings, 2)
}

func TestManualSpeculate(t *testing.T) {
	h := newHarness(t, 4, nil)
	a, _ := h.start("A", Options{Allocator: &scripted{n: 4, script: []types.SlotIndex{1}}})

	assert.Equal(t, commit.Idle, status(t, a).State)
	ring, err := a.Speculate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.SlotIndex(1), ring.SlotIndex)
	assert.True(t, ring.Pending)
}

func TestShootWithoutSpeculation(t *testing.T) {
	h := newHarness(t, 4, nil)
	a, _ := h.start("A", Options{Allocator: &scripted{n: 4}})

	err := a.Shoot(context.Background(), nil)
	assert.ErrorIs(t, err, commit.ErrNotSpeculating)
}

func TestCollisionBetweenTwoClients(t *testing.T) {
	h := newHarness(t, 4, nil)
	notesB := &recorder{}
	a, _ := h.start("A", Options{AutoSpeculate: true, Allocator: &scripted{n: 4, script: []types.SlotIndex{2}}})
	b, _ := h.start("B", Options{AutoSpeculate: true, Notifier: notesB, Allocator: &scripted{n: 4, script: []types.SlotIndex{2, 3}}})

	require.Eventually(t, func() bool {
		return specSlot(status(t, a)) == 2 && specSlot(status(t, b)) == 2
	}, waitFor, tick)

	require.NoError(t, b.Shoot(context.Background(), []byte("photo")))

	// B is confirmed, uploads the photo and moves on to a new slot
	require.Eventually(t, func() bool {
		st := status(t, b)
		return st.State == commit.Speculating && specSlot(st) == 3
	}, waitFor, tick)
	rings := h.srv.Rings()
	require.Len(t, rings, 1)
	require.Eventually(t, func() bool {
		_, ok := h.srv.Image(rings[0].ID)
		return ok
	}, waitFor, tick)
	assert.Contains(t, notesB.infoCodes(), CodePlaced)

	// A lost slot 2 to B and picked another one
	require.Eventually(t, func() bool {
		st := status(t, a)
		return st.State == commit.Speculating && specSlot(st) != 2 && specSlot(st) != -1
	}, waitFor, tick)
	onTwo := 0
	for _, r := range status(t, a).Rings {
		if r.SlotIndex == 2 {
			onTwo++
			assert.Equal(t, "B", r.OwnerUser)
			assert.False(t, r.Pending)
		}
	}
	assert.Equal(t, 1, onTwo)
}

func TestCommitFailureResyncs(t *testing.T) {
	h := newHarness(t, 4, func(_ *server.Server, mux *http.ServeMux) {
		mux.HandleFunc("POST "+client.RingsPath, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
		})
	})
	notes := &recorder{}
	a, _ := h.start("A", Options{AutoSpeculate: true, Notifier: notes, Allocator: &scripted{n: 4, script: []types.SlotIndex{1, 2}}})

	require.Eventually(t, func() bool { return specSlot(status(t, a)) == 1 }, waitFor, tick)

	err := a.Shoot(context.Background(), []byte("photo"))
	require.ErrorIs(t, err, client.ErrTransport)
	assert.Equal(t, []string{CodeCommitFailed}, notes.errorCodes())

	// resync drops the failed ring and a fresh speculation takes its place
	require.Eventually(t, func() bool {
		st := status(t, a)
		return st.State == commit.Speculating && len(st.Rings) == 1 && specSlot(st) != -1
	}, waitFor, tick)
}

func TestResyncRetriesUntilFetchSucceeds(t *testing.T) {
	var fetches atomic.Int32
	h := newHarness(t, 4, func(srv *server.Server, mux *http.ServeMux) {
		mux.HandleFunc("POST "+client.RingsPath, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusServiceUnavailable)
		})
		mux.HandleFunc("GET "+client.RingsPath, func(w http.ResponseWriter, r *http.Request) {
			if fetches.Add(1) <= 2 {
				http.Error(w, "still down", http.StatusServiceUnavailable)
				return
			}
			srv.Handler().ServeHTTP(w, r)
		})
	})
	notes := &recorder{}
	a, _ := h.start("A", Options{
		AutoSpeculate:  true,
		Notifier:       notes,
		ResyncDelay:    10 * time.Millisecond,
		MaxResyncDelay: 20 * time.Millisecond,
		Allocator:      &scripted{n: 4, script: []types.SlotIndex{1, 2}},
	})
	require.Eventually(t, func() bool { return specSlot(status(t, a)) == 1 }, waitFor, tick)

	require.ErrorIs(t, a.Shoot(context.Background(), nil), client.ErrTransport)

	require.Eventually(t, func() bool {
		st := status(t, a)
		return st.State == commit.Speculating && len(st.Rings) == 1
	}, waitFor, tick)
	assert.GreaterOrEqual(t, fetches.Load(), int32(3))
}

func TestResyncBackoff(t *testing.T) {
	base, ceiling := 100*time.Millisecond, time.Second
	assert.Equal(t, 100*time.Millisecond, resyncBackoff(base, ceiling, 1))
	assert.Equal(t, 200*time.Millisecond, resyncBackoff(base, ceiling, 2))
	assert.Equal(t, 800*time.Millisecond, resyncBackoff(base, ceiling, 4))
	assert.Equal(t, ceiling, resyncBackoff(base, ceiling, 5))
	assert.Equal(t, ceiling, resyncBackoff(base, ceiling, 60))
}

func TestConfirmTimeout(t *testing.T) {
	h := newHarness(t, 4, func(_ *server.Server, mux *http.ServeMux) {
		// accept the ring but never broadcast it
		mux.HandleFunc("POST "+client.RingsPath, func(w http.ResponseWriter, r *http.Request) {
			var req wire.CommitRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(req.Ring("lost", time.Now().UTC()))
		})
	})
	notes := &recorder{}
	a, _ := h.start("A", Options{
		AutoSpeculate:  true,
		ConfirmTimeout: 100 * time.Millisecond,
		Notifier:       notes,
		Allocator:      &scripted{n: 4},
	})

	require.Eventually(t, func() bool { return specSlot(status(t, a)) != -1 }, waitFor, tick)
	require.NoError(t, a.Shoot(context.Background(), nil))

	require.Eventually(t, func() bool { return notes.hasError(ErrConfirmTimeout) }, waitFor, tick)
	require.Eventually(t, func() bool {
		st := status(t, a)
		return st.State == commit.Speculating && len(st.Rings) == 1
	}, waitFor, tick)
}

func TestResubmitWhileSentRejected(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, 4, func(_ *server.Server, mux *http.ServeMux) {
		mux.HandleFunc("POST "+client.RingsPath, func(w http.ResponseWriter, r *http.Request) {
			<-release
			http.Error(w, "late", http.StatusServiceUnavailable)
		})
	})
	a, _ := h.start("A", Options{AutoSpeculate: true, Notifier: &recorder{}, Allocator: &scripted{n: 4}})
	require.Eventually(t, func() bool { return specSlot(status(t, a)) != -1 }, waitFor, tick)

	first := make(chan error, 1)
	go func() { first <- a.Shoot(context.Background(), nil) }()
	require.Eventually(t, func() bool { return status(t, a).State == commit.Sent }, waitFor, tick)

	err := a.Shoot(context.Background(), nil)
	assert.ErrorIs(t, err, commit.ErrCommitInFlight)

	close(release)
	assert.ErrorIs(t, <-first, client.ErrTransport)
}

func TestRunEndsWhenServerCloses(t *testing.T) {
	h := newHarness(t, 4, nil)
	_, errc := h.start("A", Options{Allocator: &scripted{n: 4}})

	h.srv.Close()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(waitFor):
		t.Fatal("agent kept running after the stream closed")
	}
}

func TestRegistrySubscriberSeesPlacements(t *testing.T) {
	h := newHarness(t, 4, nil)
	a, _ := h.start("A", Options{Allocator: &scripted{n: 4}})

	var mu sync.Mutex
	var sizes []int
	cancel := a.Registry().Subscribe(func(c registry.Change) {
		mu.Lock()
		defer mu.Unlock()
		sizes = append(sizes, len(c.Rings))
	})
	defer cancel()

	_, _, err := h.srv.Place(wire.CommitRequest{OwnerUser: "B", SlotIndex: 3})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sizes) == 1 && sizes[0] == 1
	}, waitFor, tick)
}

func TestMessageCodes(t *testing.T) {
	assert.NotEmpty(t, Message(CodeImageUploadFailed))
	assert.NotEmpty(t, Message(CodeCommitFailed))
	assert.NotEmpty(t, Message(CodePlaced))
	assert.Empty(t, Message("nope"))
}
