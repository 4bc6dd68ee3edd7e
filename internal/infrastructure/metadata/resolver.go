package metadata

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"watchsync/internal/core/domain"
	"watchsync/internal/core/ports"
	"watchsync/pkg/cache"

	"github.com/etherlabsio/go-m3u8/m3u8"
	"go.uber.org/zap"
)

const resolveTTL = 15 * time.Minute

// Resolver turns media URLs into playable video descriptors. HLS
// playlists are fetched for their real duration; results are cached by
// URL so re-adding a recently played video costs nothing.
type Resolver struct {
	httpClient *http.Client
	cache      *cache.Cache[*domain.Video]
	logger     *zap.SugaredLogger
}

func NewResolver(logger *zap.SugaredLogger) *Resolver {
	return &Resolver{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      cache.New[*domain.Video](resolveTTL),
		logger:     logger,
	}
}

var _ ports.VideoResolver = (*Resolver)(nil)

func (r *Resolver) Resolve(ctx context.Context, rawURL string) (*domain.Video, error) {
	if v, ok := r.cache.Get(rawURL); ok {
		c := *v
		return &c, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("unparseable video url %q", rawURL)
	}

	video := &domain.Video{
		ID:    identify(u),
		URL:   rawURL,
		Title: titleFromPath(u),
	}

	if strings.HasSuffix(u.Path, ".m3u8") {
		duration, err := r.playlistDuration(ctx, rawURL, 0)
		if err != nil {
			r.logger.Warnw("could not read playlist duration", "url", rawURL, "error", err)
		} else {
			video.Length = duration
		}
	}

	r.cache.Set(rawURL, video)
	c := *video
	return &c, nil
}

// identify derives a stable identity from the URL so the same video in
// different URL forms still dedupes.
func identify(u *url.URL) domain.VideoID {
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")

	switch host {
	case "youtube.com", "youtu.be", "m.youtube.com":
		if id := u.Query().Get("v"); id != "" {
			return domain.VideoID{Service: "youtube", ID: id}
		}
		if host == "youtu.be" {
			return domain.VideoID{Service: "youtube", ID: strings.TrimPrefix(u.Path, "/")}
		}
	case "vimeo.com":
		return domain.VideoID{Service: "vimeo", ID: strings.TrimPrefix(u.Path, "/")}
	}
	return domain.VideoID{Service: "direct", ID: host + u.Path}
}

func titleFromPath(u *url.URL) string {
	base := path.Base(u.Path)
	if base == "/" || base == "." || base == "" {
		return u.Hostname()
	}
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return base
}

// playlistDuration sums segment durations, descending into the first
// variant of a master playlist.
func (r *Resolver) playlistDuration(ctx context.Context, playlistURL string, depth int) (float64, error) {
	if depth > 2 {
		return 0, fmt.Errorf("playlist nesting too deep")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playlistURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("playlist fetch returned %d", resp.StatusCode)
	}

	playlist, err := m3u8.Read(resp.Body)
	if err != nil {
		return 0, err
	}

	if playlist.IsMaster() {
		for _, item := range playlist.Items {
			if variant, ok := item.(*m3u8.PlaylistItem); ok {
				return r.playlistDuration(ctx, resolveRelative(playlistURL, variant.URI), depth+1)
			}
		}
		return 0, fmt.Errorf("master playlist has no variants")
	}
	return playlist.Duration(), nil
}

func resolveRelative(base, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	u, err := url.Parse(base)
	if err != nil {
		return ref
	}
	u.Path = path.Dir(u.Path)
	return u.String() + "/" + ref
}

// Close releases the cache's background sweeper.
func (r *Resolver) Close() {
	r.cache.Close()
}
