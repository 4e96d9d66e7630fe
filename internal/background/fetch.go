// Package background resolves background-image URIs to local files.
//
// Local paths are checked and passed through. http and https URIs are
// downloaded once into a private scratch directory; the local copy is
// cached by URI and removed when its cache entry expires or the fetcher is
// closed. The path handed out last is the one on screen: it outlives its
// cache entry until another path replaces it.
package background

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

var (
	// ErrNotFound is returned for local paths that do not exist.
	ErrNotFound = errors.New("background: file not found")
	// ErrUnsupportedScheme is returned for URIs that are neither local nor http(s).
	ErrUnsupportedScheme = errors.New("background: unsupported uri scheme")
	// ErrFetch wraps download failures.
	ErrFetch = errors.New("background: fetch failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("background: fetcher closed")
)

// Config controls remote fetches.
type Config struct {
	// ScratchDir is the parent of the private download directory
	// (default: os.TempDir()).
	ScratchDir string
	// Timeout bounds a single download attempt (default: 10 seconds).
	Timeout time.Duration
	// CacheTTL is how long a downloaded file is reused (default: 1 hour).
	CacheTTL time.Duration
	// MaxRetries is the number of retries after a failed attempt (default: 2).
	MaxRetries int
	// RetryDelay is the initial backoff delay (default: 500ms).
	RetryDelay time.Duration
	// MaxRetryDelay caps the backoff delay (default: 5 seconds).
	MaxRetryDelay time.Duration
	// MaxBytes caps the size of a download (default: 16 MiB).
	MaxBytes int64
}

// DefaultConfig returns the default fetch configuration
func DefaultConfig() Config {
	return Config{
		Timeout:       10 * time.Second,
		CacheTTL:      time.Hour,
		MaxRetries:    2,
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 5 * time.Second,
		MaxBytes:      16 << 20,
	}
}

// Fetcher resolves background URIs.
type Fetcher struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	cache  *ttlcache.Cache[string, string]

	mu       sync.Mutex
	dir      string
	closed   bool
	current  string
	retained map[string]struct{} // expired while current
}

// New creates a Fetcher. Zero config fields take their defaults.
func New(cfg Config, logger *slog.Logger) *Fetcher {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}

	f := &Fetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		cache: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](cfg.CacheTTL),
		),
		retained: make(map[string]struct{}),
	}

	f.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, string]) {
		path := item.Value()
		f.mu.Lock()
		if path == f.current && !f.closed {
			f.retained[path] = struct{}{}
			f.mu.Unlock()
			f.logger.Debug("background: keeping expired file in use", "path", path)
			return
		}
		f.mu.Unlock()
		f.remove(path)
	})
	go f.cache.Start()

	return f
}

// Resolve returns a local path for uri. An empty uri resolves to "".
// The returned path is taken to be the background now in use.
func (f *Fetcher) Resolve(ctx context.Context, uri string) (string, error) {
	if uri == "" {
		f.setCurrent("")
		return "", nil
	}

	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	if item := f.cache.Get(uri); item != nil {
		if _, err := os.Stat(item.Value()); err == nil {
			f.setCurrent(item.Value())
			return item.Value(), nil
		}
		f.cache.Delete(uri)
	}

	path, err := f.resolve(ctx, uri)
	if err != nil {
		return "", err
	}
	f.setCurrent(path)
	return path, nil
}

func (f *Fetcher) resolve(ctx context.Context, uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("background: invalid uri %q: %w", uri, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "", "file":
		path := uri
		if u.Scheme != "" {
			path = u.Path
		}
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return path, nil

	case "http", "https":
		if u.Host == "" {
			return "", fmt.Errorf("background: invalid uri %q: missing host", uri)
		}
		path, err := f.fetchWithRetry(ctx, u)
		if err != nil {
			return "", err
		}
		f.cache.Set(uri, path, ttlcache.DefaultTTL)
		return path, nil

	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}

// setCurrent records the path now in use and drops the previous one if its
// cache entry has already expired.
func (f *Fetcher) setCurrent(path string) {
	f.mu.Lock()
	prev := f.current
	f.current = path
	_, expired := f.retained[prev]
	if expired && prev != path {
		delete(f.retained, prev)
	}
	f.mu.Unlock()

	if expired && prev != path {
		f.remove(prev)
	}
}

func (f *Fetcher) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		f.logger.Warn("background: failed to remove cached file", "path", path, "error", err)
	}
}

// Close drops the cache and removes the scratch directory.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	dir := f.dir
	f.mu.Unlock()

	f.cache.Stop()
	f.cache.DeleteAll()

	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("background: remove scratch dir: %w", err)
	}
	return nil
}

// fetchWithRetry downloads u with exponential backoff between attempts.
// Client errors (4xx) are not retried.
func (f *Fetcher) fetchWithRetry(ctx context.Context, u *url.URL) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(attempt, f.cfg)
			f.logger.Warn("background: retrying fetch",
				"uri", u.Redacted(),
				"attempt", attempt,
				"max_retries", f.cfg.MaxRetries,
				"delay", delay,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		path, err := f.fetch(ctx, u)
		if err == nil {
			f.logger.Info("background: fetched", "uri", u.Redacted(), "path", path)
			return path, nil
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && se.code >= 400 && se.code < 500 {
			break
		}
	}

	return "", fmt.Errorf("%w: %s: %w", ErrFetch, u.Redacted(), lastErr)
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

func (f *Fetcher) fetch(ctx context.Context, u *url.URL) (string, error) {
	dir, err := f.scratchDir()
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &statusError{code: resp.StatusCode}
	}

	ext := filepath.Ext(u.Path)
	if ext == "" || len(ext) > 5 {
		ext = ".img"
	}
	final := filepath.Join(dir, uuid.NewString()+ext)

	tmp, err := os.CreateTemp(dir, "partial-*")
	if err != nil {
		return "", err
	}

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n > f.cfg.MaxBytes {
		err = fmt.Errorf("image exceeds %d bytes", f.cfg.MaxBytes)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return final, nil
}

func (f *Fetcher) scratchDir() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dir != "" {
		return f.dir, nil
	}
	dir, err := os.MkdirTemp(f.cfg.ScratchDir, "stylemixer-bg-")
	if err != nil {
		return "", fmt.Errorf("background: create scratch dir: %w", err)
	}
	f.dir = dir
	return dir, nil
}

// calculateBackoff returns RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func calculateBackoff(attempt int, cfg Config) time.Duration {
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
