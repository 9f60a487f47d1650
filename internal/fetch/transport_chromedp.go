package fetch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/olcroft/cricketdb/internal/ingest"
)

// BrowserTransportConfig controls the scripted-browser transport.
type BrowserTransportConfig struct {
	MaxParallel       int
	UserAgents        []string
	NavigationTimeout time.Duration
}

// BrowserTransport implements ingest.Transport using chromedp, for
// scorecard pages that only render their tables via script. Conditional
// GET is not supported here; the content-hash dedup downstream covers
// unchanged pages instead.
type BrowserTransport struct {
	cfg         BrowserTransportConfig
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewBrowserTransport creates a chromedp-backed transport.
func NewBrowserTransport(cfg BrowserTransportConfig) (*BrowserTransport, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &BrowserTransport{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (t *BrowserTransport) Close() {
	t.allocCancel()
}

// RoundTrip navigates with a headless browser and returns the rendered DOM.
func (t *BrowserTransport) RoundTrip(ctx context.Context, req ingest.FetchRequest) (ingest.TransportResponse, error) {
	if err := t.acquire(ctx); err != nil {
		return ingest.TransportResponse{}, err
	}
	defer t.release()

	taskCtx, taskCancel := chromedp.NewContext(t.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, t.cfg.NavigationTimeout)
	defer cancel()

	stop := propagateCancel(ctx, taskCancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, err := t.render(taskCtx, req.URL)
	if err != nil {
		return ingest.TransportResponse{}, classifyTransportError(err)
	}

	status, etag := meta.snapshot()
	if status == 0 {
		status = http.StatusOK
	}
	return ingest.TransportResponse{
		StatusCode: status,
		Body:       []byte(html),
		ETag:       etag,
		Duration:   time.Since(start),
	}, nil
}

func (t *BrowserTransport) render(ctx context.Context, url string) (string, error) {
	var html string
	actions := []chromedp.Action{
		t.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func (t *BrowserTransport) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if ua := t.userAgent(); ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (t *BrowserTransport) userAgent() string {
	if len(t.cfg.UserAgents) == 0 {
		return ""
	}
	return t.cfg.UserAgents[rand.IntN(len(t.cfg.UserAgents))]
}

func (t *BrowserTransport) acquire(ctx context.Context) error {
	if t.limiter == nil {
		return nil
	}
	select {
	case t.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (t *BrowserTransport) release() {
	if t.limiter == nil {
		return
	}
	select {
	case <-t.limiter:
	default:
	}
}

// propagateCancel ties the chromedp task lifetime to the caller context.
func propagateCancel(ctx context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// responseMeta captures the status and validator of the document response
// observed on the CDP event stream.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	etag   string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	var etag string
	for key, value := range resp.Response.Headers {
		if key == "ETag" || key == "Etag" || key == "etag" {
			etag = fmt.Sprint(value)
		}
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.etag = etag
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.etag
}
