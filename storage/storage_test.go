package storage

import (
	"testing"
	"time"

	"github.com/pixperk/deisync/types"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var _ Store = (*Photos)(nil)

func TestGetMissing(t *testing.T) {
	s := NewPhotos()
	_, ok := s.Get("nope")
	if ok {
		t.Fatal("expected missing photo")
	}
}

func TestPutGet(t *testing.T) {
	s := NewPhotos()
	s.Put(types.RingRef{ID: "r1", CreatedAt: t0}, []byte("jpeg"))

	got, ok := s.Get("r1")
	if !ok || string(got) != "jpeg" {
		t.Fatalf("expected jpeg, got %q", got)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewPhotos()
	s.Put(types.RingRef{ID: "r1", CreatedAt: t0}, []byte("abc"))

	got, _ := s.Get("r1")
	got[0] = 'x'

	again, _ := s.Get("r1")
	if string(again) != "abc" {
		t.Fatalf("caller mutated stored photo: %q", again)
	}
}

func TestRetryReplaces(t *testing.T) {
	s := NewPhotos()
	ref := types.RingRef{ID: "r1", CreatedAt: t0}
	s.Put(ref, []byte("first"))
	s.Put(ref, []byte("second"))

	got, _ := s.Get("r1")
	if string(got) != "second" {
		t.Fatalf("expected second, got %q", got)
	}
}

func TestKeys(t *testing.T) {
	s := NewPhotos()
	s.Put(types.RingRef{ID: "a", CreatedAt: t0}, nil)
	s.Put(types.RingRef{ID: "b", CreatedAt: t0}, nil)
	if len(s.Keys()) != 2 {
		t.Fatalf("expected 2 keys, got %v", s.Keys())
	}
}
