package memory

import (
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "runs/2026-08-23/run-1.json", "application/json", payload)
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://runs/2026-08-23/run-1.json" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored, ok := store.GetObject("runs/2026-08-23/run-1.json")
	if !ok {
		t.Fatal("expected stored object")
	}
	if string(stored) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
}

func TestBlobStoreGetObjectUnknownPath(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	if _, ok := store.GetObject("missing"); ok {
		t.Fatal("expected miss for unknown path")
	}
}
