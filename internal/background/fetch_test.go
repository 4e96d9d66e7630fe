package background

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ScratchDir = t.TempDir()
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 5 * time.Millisecond
	f := New(cfg, nil)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestResolveEmpty(t *testing.T) {
	f := newTestFetcher(t)
	path, err := f.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestResolveLocalPath(t *testing.T) {
	f := newTestFetcher(t)
	img := filepath.Join(t.TempDir(), "bg.png")
	require.NoError(t, os.WriteFile(img, []byte("png"), 0o644))

	path, err := f.Resolve(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, img, path)

	path, err = f.Resolve(context.Background(), "file://"+img)
	require.NoError(t, err)
	assert.Equal(t, img, path)

	_, err = f.Resolve(context.Background(), img+".missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveRejectsUnknownScheme(t *testing.T) {
	f := newTestFetcher(t)
	_, err := f.Resolve(context.Background(), "ftp://example.com/bg.png")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestResolveDownloadsOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("image-bytes"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	uri := srv.URL + "/backgrounds/stage.png"

	first, err := f.Resolve(context.Background(), uri)
	require.NoError(t, err)
	assert.Equal(t, ".png", filepath.Ext(first))

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))

	second, err := f.Resolve(context.Background(), uri)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), hits.Load())
}

func TestResolveRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, err := f.Resolve(context.Background(), srv.URL+"/bg")
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestResolveDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, err := f.Resolve(context.Background(), srv.URL+"/missing.png")
	assert.ErrorIs(t, err, ErrFetch)
	assert.Equal(t, int32(1), hits.Load())
}

func TestExpiredFileInUseIsKept(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	ctx := context.Background()
	gone := func(path string) func() bool {
		return func() bool {
			_, err := os.Stat(path)
			return os.IsNotExist(err)
		}
	}

	stage, err := f.Resolve(ctx, srv.URL+"/stage.png")
	require.NoError(t, err)

	f.cache.Delete(srv.URL + "/stage.png")
	assert.Never(t, gone(stage), 100*time.Millisecond, 5*time.Millisecond, "background on screen must survive expiry")

	lobby, err := f.Resolve(ctx, srv.URL+"/lobby.png")
	require.NoError(t, err)
	require.Eventually(t, gone(stage), time.Second, 5*time.Millisecond, "replaced background is removed")

	// An entry that is not on screen is removed as soon as it expires.
	_, err = f.Resolve(ctx, srv.URL+"/hall.png")
	require.NoError(t, err)
	f.cache.Delete(srv.URL + "/lobby.png")
	require.Eventually(t, gone(lobby), time.Second, 5*time.Millisecond)
}

func TestCloseRemovesScratchDir(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	path, err := f.Resolve(context.Background(), srv.URL+"/a.jpg")
	require.NoError(t, err)

	require.NoError(t, f.Close())
	_, err = os.Stat(filepath.Dir(path))
	assert.True(t, os.IsNotExist(err))

	_, err = f.Resolve(context.Background(), srv.URL+"/a.jpg")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCalculateBackoff(t *testing.T) {
	cfg := Config{RetryDelay: time.Second, MaxRetryDelay: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateBackoff(tt.attempt, cfg), "attempt %d", tt.attempt)
	}
}
