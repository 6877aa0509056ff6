package tile

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// HTTPSource downloads missing tiles from a remote tileset into a local
// DirSource. Concurrent requests for the same tile share one download.
type HTTPSource struct {
	cache   *DirSource
	baseURL string
	client  *http.Client
	logger  *log.Logger
	group   singleflight.Group
}

// NewHTTPSource creates a source fetching "{baseURL}/{z}/{x}/{y}.terrain" into cache.
func NewHTTPSource(baseURL string, cache *DirSource, logger *log.Logger) *HTTPSource {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &HTTPSource{
		cache:   cache,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

func (s *HTTPSource) URL(id ID) string {
	return fmt.Sprintf("%s/%d/%d/%d.terrain", s.baseURL, id.Z, id.X, id.Y)
}

func (s *HTTPSource) EnsureAvailable(ctx context.Context, id ID) error {
	if err := id.Check(); err != nil {
		return err
	}
	if _, err := os.Stat(s.cache.Path(id)); err == nil {
		return nil
	}
	// The shared download is detached from the first caller and bounded by
	// the client timeout; each caller stops waiting when its own ctx ends.
	ch := s.group.DoChan(id.String(), func() (interface{}, error) {
		return nil, s.download(context.WithoutCancel(ctx), id)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return Unavailable(id, ctx.Err())
	}
}

func (s *HTTPSource) download(ctx context.Context, id ID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(id), nil)
	if err != nil {
		return Unavailable(id, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Unavailable(id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Unavailable(id, fmt.Errorf("http status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Unavailable(id, err)
	}
	if err := s.cache.WriteTile(id, data); err != nil {
		return Unavailable(id, err)
	}
	s.logger.Printf("fetched tile %v (%d bytes)", id, len(data))
	return nil
}

func (s *HTTPSource) ReadTile(id ID) ([]byte, error) {
	return s.cache.ReadTile(id)
}
