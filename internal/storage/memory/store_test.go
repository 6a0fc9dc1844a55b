package memory

import (
	"context"
	"testing"
	"time"

	"github.com/tjfontaine/restspace-gateway/internal/storage/storagetest"
)

func TestStoreConformance(t *testing.T) {
	storagetest.Run(t, New())
}

func TestStore_ReadReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.Write(ctx, "a.txt", []byte("abc"), "text/plain"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	data, _, err := s.Read(ctx, "a.txt")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	data[0] = 'z'

	again, _, _ := s.Read(ctx, "a.txt")
	if string(again) != "abc" {
		t.Errorf("stored data changed through a read copy: %q", again)
	}
}

func TestStore_DateModified(t *testing.T) {
	s := New()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	if _, err := s.Write(context.Background(), "a.txt", []byte("abc"), "text/plain"); err != nil {
		t.Fatal(err)
	}
	_, info, err := s.Read(context.Background(), "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !info.DateModified.Equal(fixed) {
		t.Errorf("DateModified = %v, want %v", info.DateModified, fixed)
	}
}
