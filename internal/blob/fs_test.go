package blob_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"fileshare/internal/blob"
)

func TestSaveOpenRoundTrip(t *testing.T) {
	st, err := blob.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	payload := []byte("hello blob store")
	key, size, err := st.Save(bytes.NewReader(payload), 1<<20)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if size != int64(len(payload)) {
		t.Fatalf("size = %d, want %d", size, len(payload))
	}

	rc, gotSize, err := st.Open(key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	if gotSize != size {
		t.Fatalf("open size = %d, want %d", gotSize, size)
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %q", got)
	}
}

func TestSaveRejectsOversizedStream(t *testing.T) {
	st, err := blob.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	_, _, err = st.Save(strings.NewReader("0123456789"), 5)
	if !errors.Is(err, blob.ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestOpenMissingKey(t *testing.T) {
	st, err := blob.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, _, err := st.Open("nope"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	st, err := blob.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	key, _, err := st.Save(strings.NewReader("x"), 10)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.Delete(key); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := st.Delete(key); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, _, err := st.Open(key); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("blob should be gone, got %v", err)
	}
}
