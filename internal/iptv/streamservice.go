package iptv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	maxRedirects = 10

	retryAttempts = 4 // initial try + 3 retries
	retryDelay    = time.Second
	retryMaxDelay = 10 * time.Second

	// Rate-limited responses back off on a longer ladder so the
	// provider gets room to recover.
	rateLimitDelay    = 5 * time.Second
	rateLimitMaxDelay = 40 * time.Second
)

// ErrAccountNotFound indicates no portal is registered under the name.
var ErrAccountNotFound = errors.New("iptv account not found")

// hlsContentTypes are the Content-Type values treated as HLS manifests.
var hlsContentTypes = map[string]bool{
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"audio/mpegurl":                 true,
	"audio/x-mpegurl":               true,
}

// IsHLSContentType reports whether a response Content-Type denotes an
// HLS manifest.
func IsHLSContentType(contentType string) bool {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = strings.TrimSpace(mediaType[:idx])
	}
	return hlsContentTypes[mediaType]
}

// upstreamStatusError marks an HTTP status from the provider that is
// worth retrying (5xx and 429).
type upstreamStatusError struct {
	Code int
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Code)
}

// fetchRetryDelay doubles the wait on each attempt, starting from a
// longer base when the provider is rate limiting (429) than for 5xx
// and network failures.
func fetchRetryDelay(n uint, err error, _ *retry.Config) time.Duration {
	var statusErr *upstreamStatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusTooManyRequests {
		return min(rateLimitDelay<<n, rateLimitMaxDelay)
	}
	return min(retryDelay<<n, retryMaxDelay)
}

// mediaPassthroughHeaders are copied verbatim from the upstream
// response on non-HLS streams.
var mediaPassthroughHeaders = []string{
	"Content-Length",
	"Content-Type",
	"Transfer-Encoding",
	"Cache-Control",
	"Date",
	"Connection",
}

// StreamService proxies live channels from Stalker portals: it creates
// stream links, follows redirects manually, rewrites HLS manifests and
// pipes media bodies through.
type StreamService struct {
	http *http.Client
	log  *slog.Logger

	mu      sync.Mutex
	portals map[string]*PortalClient
	// roots remembers the final manifest URL per account/channel so
	// relative segment paths can be resolved at dispatch time.
	roots map[string]*url.URL
}

// NewStreamService builds an empty service; portals are registered per
// account.
func NewStreamService(timeout time.Duration) *StreamService {
	if timeout <= 0 {
		timeout = defaultPortalTimeout
	}
	return &StreamService{
		http: &http.Client{
			Timeout: timeout,
			// Redirects are followed by hand so headers stay fixed.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:     slog.Default().With("component", "iptv"),
		portals: make(map[string]*PortalClient),
		roots:   make(map[string]*url.URL),
	}
}

// RegisterPortal binds a portal client to an account name.
func (s *StreamService) RegisterPortal(account string, client *PortalClient) {
	s.mu.Lock()
	s.portals[account] = client
	s.mu.Unlock()
}

// Portal looks up the portal client for an account.
func (s *StreamService) Portal(account string) (*PortalClient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.portals[account]
	return client, ok
}

// Close shuts down all registered portal clients.
func (s *StreamService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, client := range s.portals {
		client.Close()
	}
}

func rootKey(account, channel string) string {
	return account + "/" + channel
}

func (s *StreamService) channelRoot(account, channel string) *url.URL {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roots[rootKey(account, channel)]
}

func (s *StreamService) setChannelRoot(account, channel string, root *url.URL) {
	s.mu.Lock()
	s.roots[rootKey(account, channel)] = root
	s.mu.Unlock()
}

// ServeChannel answers GET/HEAD for a channel: asks the portal for a
// stream link, fetches it and either rewrites the manifest or pipes the
// media body through.
func (s *StreamService) ServeChannel(w http.ResponseWriter, r *http.Request, account, channel string) error {
	portal, ok := s.Portal(account)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, account)
	}

	portal.StreamStarted()
	defer portal.StreamStopped()

	cmd := fmt.Sprintf("ffrt http://localhost/ch/%s", channel)
	link, err := portal.CreateLink(r.Context(), cmd)
	if err != nil {
		return fmt.Errorf("create link for channel %s: %w", channel, err)
	}

	return s.proxy(w, r, account, channel, link)
}

// ServeSegment answers GET/HEAD for a path below a channel: either a
// URL-encoded absolute upstream URL or a path relative to the channel's
// stored manifest root. Sub-manifests are rewritten recursively.
func (s *StreamService) ServeSegment(w http.ResponseWriter, r *http.Request, account, channel, component string) error {
	portal, ok := s.Portal(account)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, account)
	}

	target, err := ResolveSegmentURL(component, s.channelRoot(account, channel))
	if err != nil {
		return fmt.Errorf("resolve segment %q: %w", component, err)
	}

	portal.StreamStarted()
	defer portal.StreamStopped()

	return s.proxy(w, r, account, channel, target.String())
}

func (s *StreamService) proxy(w http.ResponseWriter, r *http.Request, account, channel, rawURL string) error {
	resp, err := s.fetch(r.Context(), rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if IsHLSContentType(resp.Header.Get("Content-Type")) {
		return s.serveManifest(w, r, account, channel, resp)
	}
	s.serveMedia(w, r, resp)
	return nil
}

func (s *StreamService) serveManifest(w http.ResponseWriter, r *http.Request, account, channel string, resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	final := resp.Request.URL
	s.setChannelRoot(account, channel, final)

	prefix := fmt.Sprintf("/api/livetv/stream/%s/%s/", url.PathEscape(account), url.PathEscape(channel))
	rewritten := RewriteManifest(body, prefix, final)

	h := w.Header()
	h.Set("Content-Type", "application/vnd.apple.mpegurl")
	h.Set("Cache-Control", "no-cache")
	h.Set("Accept-Ranges", "none")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(rewritten)
	}
	return nil
}

func (s *StreamService) serveMedia(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	h := w.Header()
	for _, name := range mediaPassthroughHeaders {
		if v := resp.Header.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	if h.Get("Cache-Control") == "" {
		h.Set("Cache-Control", "no-cache")
	}
	h.Set("Accept-Ranges", "none")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		// Streaming copy; client disconnects surface as write errors
		// and simply end the proxy.
		io.Copy(w, resp.Body)
	}
}

// fetch GETs a URL with the STB identity, following redirects by hand
// and retrying transient failures with exponential backoff.
func (s *StreamService) fetch(ctx context.Context, rawURL string) (*http.Response, error) {
	var resp *http.Response
	err := retry.Do(
		func() error {
			r, err := s.fetchOnce(ctx, rawURL)
			if err != nil {
				return err
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				r.Body.Close()
				return &upstreamStatusError{Code: r.StatusCode}
			}
			if r.StatusCode >= 400 {
				r.Body.Close()
				return retry.Unrecoverable(&upstreamStatusError{Code: r.StatusCode})
			}
			resp = r
			return nil
		},
		retry.Attempts(retryAttempts),
		retry.DelayType(fetchRetryDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.log.WarnContext(ctx, "Retrying upstream fetch", "attempt", n+1, "url", rawURL, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return resp, nil
}

func (s *StreamService) fetchOnce(ctx context.Context, rawURL string) (*http.Response, error) {
	current := rawURL
	for hop := 0; hop <= maxRedirects; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, retry.Unrecoverable(err)
		}
		req.Header.Set("User-Agent", DefaultUserAgent)

		resp, err := s.http.Do(req)
		if err != nil {
			return nil, err
		}
		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			location := resp.Header.Get("Location")
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if location == "" {
				return nil, retry.Unrecoverable(errors.New("redirect without Location header"))
			}
			next, err := resp.Request.URL.Parse(location)
			if err != nil {
				return nil, retry.Unrecoverable(fmt.Errorf("bad redirect target %q: %w", location, err))
			}
			current = next.String()
		default:
			return resp, nil
		}
	}
	return nil, retry.Unrecoverable(fmt.Errorf("more than %d redirects", maxRedirects))
}
