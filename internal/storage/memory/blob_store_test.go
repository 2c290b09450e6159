package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("jpeg")
	uri, err := store.PutObject(context.Background(), "acme/raw_images/a.jpg", "image/jpeg", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://acme/raw_images/a.jpg" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'X'
	got, ok := store.Object("acme/raw_images/a.jpg")
	if !ok || string(got) != "jpeg" {
		t.Fatalf("expected stored copy, got %q", got)
	}
	if paths := store.Paths(); len(paths) != 1 {
		t.Fatalf("expected one path, got %v", paths)
	}
}
