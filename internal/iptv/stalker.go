package iptv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

// DefaultUserAgent is the set-top-box identity every portal request
// carries.
const DefaultUserAgent = "Mozilla/5.0 (QtEmbedded; U; Linux; C) AppleWebKit/533.3 (KHTML, like Gecko) MAG200 stbapp ver: 2 rev: 250 Safari/533.3"

const (
	// tokenLifetime is the assumed validity of a handshake token;
	// refresh happens tokenRefreshLead before it runs out.
	tokenLifetime    = 30 * time.Minute
	tokenRefreshLead = 2 * time.Minute

	// watchdogInterval is the keep-alive cadence while streams are
	// active; inactivityDelay is how long to wait after the last
	// stream stops before the watchdog shuts down.
	watchdogInterval = 5 * time.Minute
	inactivityDelay  = 5 * time.Minute

	// Link cache TTLs. HLS links stay valid noticeably longer than
	// direct media links.
	hlsLinkTTL   = 30 * time.Second
	mediaLinkTTL = 5 * time.Second

	defaultPortalTimeout = 20 * time.Second
)

// PortalConfig identifies one Stalker portal account.
type PortalConfig struct {
	// PortalURL is the base URL up to and including the portal root,
	// e.g. "http://provider.example.com/stalker_portal".
	PortalURL string
	MAC       string
	UserAgent string
	// RewriteFfmpegCommands enables synthesising the reference
	// "ffrt http://localhost/ch/<id>" form from full ffmpeg URLs
	// before asking the portal for a link.
	RewriteFfmpegCommands bool
	Timeout               time.Duration
}

type cachedLink struct {
	url     string
	expires time.Time
}

// PortalClient speaks the Stalker middleware protocol for one account:
// handshake, token refresh, link creation and the keep-alive watchdog.
type PortalClient struct {
	cfg  PortalConfig
	http *http.Client
	log  *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	links       map[string]cachedLink

	streamMu      sync.Mutex
	activeStreams int
	watchdogStop  chan struct{}
	idleTimer     *time.Timer
}

// NewPortalClient builds a client; no network traffic happens until
// the first request.
func NewPortalClient(cfg PortalConfig) *PortalClient {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPortalTimeout
	}
	return &PortalClient{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		log:   slog.Default().With("component", "stalker", "portal", cfg.PortalURL),
		links: make(map[string]cachedLink),
	}
}

// portalResponse is the generic JsHttpRequest envelope.
type portalResponse struct {
	Js json.RawMessage `json:"js"`
}

func (c *PortalClient) baseHeaders(req *http.Request, token string) {
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("X-User-Agent", "Model: MAG250; Link: WiFi")
	req.Header.Set("Cookie", fmt.Sprintf("mac=%s; timezone=UTC; stb_lang=en", url.QueryEscape(c.cfg.MAC)))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// handshake obtains a fresh bearer token.
func (c *PortalClient) handshake(ctx context.Context) (string, error) {
	endpoint := fmt.Sprintf("%s/portal.php?type=stb&action=handshake&JsHttpRequest=1-xml", strings.TrimRight(c.cfg.PortalURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	c.baseHeaders(req, "")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("handshake: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("handshake read: %w", err)
	}

	var envelope portalResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", &PortalError{Message: "handshake returned non-JSON response"}
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(envelope.Js, &payload); err != nil || payload.Token == "" {
		return "", &PortalError{Message: "handshake response carries no token"}
	}
	c.log.DebugContext(ctx, "Handshake complete")
	return payload.Token, nil
}

// ensureToken returns a valid token, re-handshaking when the current
// one is absent or close to expiry.
func (c *PortalClient) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	valid := token != "" && time.Now().Before(c.tokenExpiry.Add(-tokenRefreshLead))
	c.mu.Unlock()
	if valid {
		return token, nil
	}

	fresh, err := c.handshake(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.token = fresh
	c.tokenExpiry = time.Now().Add(tokenLifetime)
	c.mu.Unlock()
	return fresh, nil
}

// invalidateToken drops the token so the next request re-handshakes.
func (c *PortalClient) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// sessionProblem recognises portal error strings that mean the session
// died rather than the request being wrong.
func sessionProblem(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "session") ||
		strings.Contains(lower, "token") ||
		strings.Contains(lower, "auth")
}

// request performs one authenticated portal call, re-authenticating at
// most once when the session looks dead.
func (c *PortalClient) request(ctx context.Context, action string, params url.Values) (json.RawMessage, error) {
	js, err := c.requestOnce(ctx, action, params)
	if err == nil {
		return js, nil
	}
	var portalErr *PortalError
	if !(errors.As(err, &portalErr) && sessionProblem(portalErr.Message)) {
		return nil, err
	}

	c.log.InfoContext(ctx, "Session looks expired, re-authenticating", "action", action)
	c.invalidateToken()
	js, err = c.requestOnce(ctx, action, params)
	if err != nil {
		if errors.As(err, &portalErr) && sessionProblem(portalErr.Message) {
			return nil, ErrSessionExpired
		}
		return nil, err
	}
	return js, nil
}

func (c *PortalClient) requestOnce(ctx context.Context, action string, params url.Values) (json.RawMessage, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	query.Set("action", action)
	query.Set("JsHttpRequest", "1-xml")
	endpoint := fmt.Sprintf("%s/portal.php?%s", strings.TrimRight(c.cfg.PortalURL, "/"), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.baseHeaders(req, token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var envelope portalResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &PortalError{Message: "session returned non-JSON response"}
	}
	if len(envelope.Js) == 0 || string(envelope.Js) == "null" || string(envelope.Js) == `""` {
		return nil, &PortalError{Message: "session returned empty payload"}
	}
	var errPayload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(envelope.Js, &errPayload); err == nil && errPayload.Error != "" {
		return nil, &PortalError{Message: errPayload.Error}
	}
	return envelope.Js, nil
}

var ffmpegStreamRe = regexp.MustCompile(`^ffmpeg\s+https?://\S*stream=(\d+)`)

// normalizeCmd optionally converts a full "ffmpeg http://...stream=N..."
// command into the reference "ffrt http://localhost/ch/N" form the
// portal expects.
func (c *PortalClient) normalizeCmd(cmd string) string {
	if !c.cfg.RewriteFfmpegCommands {
		return cmd
	}
	if m := ffmpegStreamRe.FindStringSubmatch(cmd); m != nil {
		return fmt.Sprintf("ffrt http://localhost/ch/%s", m[1])
	}
	return cmd
}

// CreateLink asks the portal for a playable URL for a channel command.
// Results are cached briefly, keyed by the original command.
func (c *PortalClient) CreateLink(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	if entry, ok := c.links[cmd]; ok && time.Now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.url, nil
	}
	c.mu.Unlock()

	params := url.Values{}
	params.Set("type", "itv")
	params.Set("cmd", c.normalizeCmd(cmd))

	js, err := c.request(ctx, "create_link", params)
	if err != nil {
		return "", err
	}
	var payload struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(js, &payload); err != nil || payload.Cmd == "" {
		return "", &PortalError{Message: "create_link response carries no cmd"}
	}
	link := stripCmdPrefix(payload.Cmd)

	ttl := mediaLinkTTL
	if strings.Contains(link, ".m3u8") {
		ttl = hlsLinkTTL
	}
	c.mu.Lock()
	c.links[cmd] = cachedLink{url: link, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
	return link, nil
}

// stripCmdPrefix removes the player prefix ("ffmpeg ", "ffrt ") the
// portal puts in front of the URL.
func stripCmdPrefix(cmd string) string {
	fields := strings.Fields(cmd)
	for _, f := range fields {
		if strings.HasPrefix(f, "http://") || strings.HasPrefix(f, "https://") {
			return f
		}
	}
	return strings.TrimSpace(cmd)
}

// StreamStarted registers an active stream, starting the watchdog on
// the first one and cancelling any pending idle shutdown.
func (c *PortalClient) StreamStarted() {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	c.activeStreams++
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	if c.watchdogStop == nil {
		c.watchdogStop = make(chan struct{})
		go c.watchdogLoop(c.watchdogStop)
	}
}

// StreamStopped deregisters a stream; when none remain, a one-shot
// idle timer stops the watchdog after the inactivity delay.
func (c *PortalClient) StreamStopped() {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if c.activeStreams > 0 {
		c.activeStreams--
	}
	if c.activeStreams == 0 && c.watchdogStop != nil && c.idleTimer == nil {
		c.idleTimer = time.AfterFunc(inactivityDelay, c.stopWatchdog)
	}
}

func (c *PortalClient) stopWatchdog() {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if c.activeStreams > 0 || c.watchdogStop == nil {
		return
	}
	close(c.watchdogStop)
	c.watchdogStop = nil
	c.idleTimer = nil
}

// ActiveStreams reports the current stream count.
func (c *PortalClient) ActiveStreams() int {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	return c.activeStreams
}

func (c *PortalClient) watchdogLoop(stop chan struct{}) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			params := url.Values{}
			params.Set("type", "watchdog")
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
			_, err := c.requestOnce(ctx, "get_events", params)
			cancel()
			if err != nil {
				// Force the next real request through a fresh handshake.
				c.log.Warn("Watchdog ping failed", "error", err)
				c.invalidateToken()
			}
		case <-stop:
			return
		}
	}
}

// Close stops background activity.
func (c *PortalClient) Close() {
	c.streamMu.Lock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	if c.watchdogStop != nil {
		close(c.watchdogStop)
		c.watchdogStop = nil
	}
	c.activeStreams = 0
	c.streamMu.Unlock()
}
