package blob

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		cfg  Config
		want Driver
	}{
		{"default is fs", Config{FSRoot: filepath.Join(t.TempDir(), "a")}, DriverFilesystem},
		{"fs", Config{Driver: DriverFilesystem, FSRoot: filepath.Join(t.TempDir(), "b")}, DriverFilesystem},
		{"memory", Config{Driver: DriverMemory}, DriverMemory},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, err := Open(ctx, tc.cfg)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if store.Driver() != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, store.Driver())
			}
			obj, err := store.Put(ctx, "history/user/1.json", strings.NewReader(`{"a":1}`), PutOptions{ContentType: "application/json"})
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if obj.Size != 7 {
				t.Fatalf("expected size 7, got %d", obj.Size)
			}
			_, rc, err := store.Get(ctx, "history/user/1.json")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			data, _ := io.ReadAll(rc)
			_ = rc.Close()
			if string(data) != `{"a":1}` {
				t.Fatalf("unexpected body %q", data)
			}
			if _, err := store.Head(ctx, "history/user/2.json"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "ftp"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	if _, err := Open(context.Background(), Config{Driver: DriverS3}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
}
