package tile_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flywave/go-qmterrain/tile"
	"github.com/google/go-cmp/cmp"
)

func TestDirSource(t *testing.T) {
	pattern := filepath.Join(t.TempDir(), tile.DefaultPattern)
	src, err := tile.NewDirSource(pattern)
	if err != nil {
		t.Fatalf("NewDirSource failed: %v", err)
	}

	id := tile.ID{X: 3, Y: 1, Z: 2}
	if err := src.EnsureAvailable(context.Background(), id); !errors.Is(err, tile.ErrTileUnavailable) {
		t.Errorf("EnsureAvailable(missing) = %v, want ErrTileUnavailable", err)
	}
	data, err := src.ReadTile(id)
	if err != nil || len(data) != 0 {
		t.Errorf("ReadTile(missing) = %v bytes, %v", len(data), err)
	}

	if err := src.WriteTile(id, []byte("tile312")); err != nil {
		t.Fatalf("WriteTile failed: %v", err)
	}
	if err := src.EnsureAvailable(context.Background(), id); err != nil {
		t.Errorf("EnsureAvailable failed: %v", err)
	}
	data, err = src.ReadTile(id)
	if err != nil {
		t.Fatalf("ReadTile failed: %v", err)
	}
	if !cmp.Equal(data, []byte("tile312")) {
		t.Errorf("ReadTile data mismatch: %q", data)
	}

	if err := src.EnsureAvailable(context.Background(), tile.ID{X: 4, Z: 2}); !errors.Is(err, tile.ErrInvalidAddress) {
		t.Errorf("EnsureAvailable(invalid) = %v, want ErrInvalidAddress", err)
	}
}

func TestDirSourceInvalidPattern(t *testing.T) {
	if _, err := tile.NewDirSource("/tmp/{z}/{x}.terrain"); !errors.Is(err, tile.ErrInvalidPattern) {
		t.Errorf("NewDirSource() = %v, want ErrInvalidPattern", err)
	}
}

func TestHTTPSource(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/tiles/2/3/1.terrain" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("remote"))
	}))
	defer srv.Close()

	cache, err := tile.NewDirSource(filepath.Join(t.TempDir(), tile.DefaultPattern))
	if err != nil {
		t.Fatalf("NewDirSource failed: %v", err)
	}
	src := tile.NewHTTPSource(srv.URL+"/tiles/", cache, nil)

	id := tile.ID{X: 3, Y: 1, Z: 2}
	for i := 0; i < 2; i++ {
		if err := src.EnsureAvailable(context.Background(), id); err != nil {
			t.Fatalf("EnsureAvailable failed: %v", err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}
	data, err := src.ReadTile(id)
	if err != nil || string(data) != "remote" {
		t.Errorf("ReadTile() = %q, %v", data, err)
	}

	if err := src.EnsureAvailable(context.Background(), tile.ID{Z: 1}); !errors.Is(err, tile.ErrTileUnavailable) {
		t.Errorf("EnsureAvailable(404) = %v, want ErrTileUnavailable", err)
	}
}

func TestHTTPSourceCancelledCallerDoesNotFailOthers(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		w.Write([]byte("remote"))
	}))
	defer srv.Close()
	defer close(release)

	cache, err := tile.NewDirSource(filepath.Join(t.TempDir(), tile.DefaultPattern))
	if err != nil {
		t.Fatalf("NewDirSource failed: %v", err)
	}
	src := tile.NewHTTPSource(srv.URL, cache, nil)
	id := tile.ID{X: 1, Y: 1, Z: 1}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() { errA <- src.EnsureAvailable(ctxA, id) }()
	<-started

	errB := make(chan error, 1)
	go func() { errB <- src.EnsureAvailable(context.Background(), id) }()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller = %v, want context.Canceled", err)
	}

	release <- struct{}{}
	select {
	case err := <-errB:
		if err != nil {
			t.Fatalf("second caller failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("second caller did not return")
	}
	data, err := src.ReadTile(id)
	if err != nil || string(data) != "remote" {
		t.Errorf("ReadTile() = %q, %v", data, err)
	}
}
