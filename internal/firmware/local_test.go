package firmware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func newLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestLocalStorePutGetDelete(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()
	data := []byte("artifact bytes")

	if err := s.Put(ctx, "fw-1.bin", bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("put: %v", err)
	}
	rc, err := s.Get(ctx, "fw-1.bin")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("read back: %v %q", err, got)
	}

	if err := s.Delete(ctx, "fw-1.bin"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "fw-1.bin"); err == nil {
		t.Fatalf("get after delete succeeded")
	}
	// Deleting a missing ref is not an error.
	if err := s.Delete(ctx, "fw-1.bin"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestLocalStoreRefsAreImmutable(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, "fw.bin", strings.NewReader("v1"), 2); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, "fw.bin", strings.NewReader("v2"), 2); err == nil {
		t.Fatalf("overwrite succeeded")
	}
}

func TestLocalStoreSizeMismatch(t *testing.T) {
	s := newLocalStore(t)
	if err := s.Put(context.Background(), "fw.bin", strings.NewReader("abc"), 10); err == nil {
		t.Fatalf("short write accepted")
	}
	// The failed write must not leave a partial artifact behind.
	if _, err := s.Get(context.Background(), "fw.bin"); err == nil {
		t.Fatalf("partial artifact readable")
	}
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()
	for _, ref := range []string{"../escape.bin", "/etc/passwd", "a/../../b.bin", "."} {
		if err := s.Put(ctx, ref, strings.NewReader("x"), 1); err == nil {
			t.Fatalf("ref %q accepted", ref)
		}
		if _, err := s.Get(ctx, ref); err == nil {
			t.Fatalf("ref %q readable", ref)
		}
	}
}

func TestLocalStoreNoPresign(t *testing.T) {
	s := newLocalStore(t)
	if _, err := s.PresignedURL(context.Background(), "fw.bin", time.Hour); !errors.Is(err, ErrNoPresign) {
		t.Fatalf("expected ErrNoPresign, got %v", err)
	}
}
