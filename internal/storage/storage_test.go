package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/snapshelf/backend/internal/config"
)

func TestCleanKey(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "user/item.jpg", want: "user/item.jpg"},
		{in: "/user//item.jpg", want: "user/item.jpg"},
		{in: "", wantErr: true},
		{in: "   ", wantErr: true},
		{in: "../etc/passwd", wantErr: true},
		{in: "user/../../secret", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := cleanKey(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidKey) {
					t.Fatalf("expected ErrInvalidKey got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q got %q", tc.want, got)
			}
		})
	}
}

func TestLocalStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("new local storage: %v", err)
	}

	key, err := store.Save(ctx, "owner-1/item-1.jpg", "image/jpeg", strings.NewReader("jpeg-bytes"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if key != "owner-1/item-1.jpg" {
		t.Fatalf("unexpected key %q", key)
	}

	rc, err := store.Open(ctx, key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Fatalf("unexpected content %q", data)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("expected deleting a missing blob to succeed: %v", err)
	}
	if _, err := store.Open(ctx, key); !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound got %v", err)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	store, closeFn, err := New(context.Background(), config.ObjectStoreConfig{Backend: "local", LocalDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer closeFn()
	if _, ok := store.(*LocalStorage); !ok {
		t.Fatalf("expected local storage got %T", store)
	}

	if _, _, err := New(context.Background(), config.ObjectStoreConfig{Backend: "s3"}); err == nil {
		t.Fatal("expected s3 without bucket to fail")
	}
	if _, _, err := New(context.Background(), config.ObjectStoreConfig{Backend: "ftp"}); err == nil {
		t.Fatal("expected unknown backend to fail")
	}
}
