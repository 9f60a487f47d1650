package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/olcroft/cricketdb/internal/ingest"
)

// StaticTransportConfig controls the plain-HTTP transport.
type StaticTransportConfig struct {
	UserAgents []string
	Timeout    time.Duration
}

// StaticTransport implements ingest.Transport using the Colly collector.
// It handles conditional GET (If-None-Match / 304) and HEAD-only probes.
type StaticTransport struct {
	cfg  StaticTransportConfig
	base *colly.Collector
}

// NewStaticTransport builds a StaticTransport. Robots handling is left to
// the caller (the pipeline performs an informational robots.txt probe);
// the collector itself never refuses a URL.
func NewStaticTransport(cfg StaticTransportConfig) *StaticTransport {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	c.WithTransport(newHTTPTransport())
	return &StaticTransport{cfg: cfg, base: c}
}

// RoundTrip executes a single HTTP exchange. Any response the server
// produced (including 4xx/5xx and 304) comes back as a TransportResponse;
// errors are reserved for transport-level failures and are marked
// transient when retrying could help.
func (t *StaticTransport) RoundTrip(ctx context.Context, req ingest.FetchRequest) (ingest.TransportResponse, error) {
	collector := t.base.Clone()
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.UserAgent = t.userAgent()
	timeout := t.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	var (
		resp     ingest.TransportResponse
		fetchErr error
	)
	start := time.Now()

	collector.OnRequest(func(r *colly.Request) {
		if req.ETag != "" {
			r.Headers.Set("If-None-Match", req.ETag)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		resp = ingest.TransportResponse{
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			ETag:       r.Headers.Get("ETag"),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		// Colly reports every non-2xx status here. A status means the
		// exchange completed; hand it back and let policy decide.
		if r != nil && r.StatusCode > 0 {
			resp = ingest.TransportResponse{
				StatusCode:  r.StatusCode,
				Body:        append([]byte(nil), r.Body...),
				ETag:        r.Headers.Get("ETag"),
				NotModified: r.StatusCode == http.StatusNotModified,
			}
			if resp.NotModified && resp.ETag == "" {
				resp.ETag = req.ETag
			}
			return
		}
		fetchErr = classifyTransportError(err)
	})

	if err := t.run(ctx, collector, req); err != nil {
		return ingest.TransportResponse{}, err
	}
	if fetchErr != nil {
		return ingest.TransportResponse{}, fetchErr
	}
	resp.Duration = time.Since(start)
	return resp, nil
}

func (t *StaticTransport) run(ctx context.Context, collector *colly.Collector, req ingest.FetchRequest) error {
	done := make(chan error, 1)
	go func() {
		if req.HeadersOnly {
			done <- collector.Head(req.URL)
			return
		}
		done <- collector.Visit(req.URL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return classifyTransportError(err)
		}
		return nil
	}
}

func (t *StaticTransport) userAgent() string {
	if len(t.cfg.UserAgents) == 0 {
		return "cricketdb-etl/0.1"
	}
	return t.cfg.UserAgents[rand.IntN(len(t.cfg.UserAgents))]
}

// classifyTransportError marks network-level failures as transient so the
// retry policy picks them up; cancellations pass through untouched.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return markTransient(fmt.Errorf("transport: %w", err))
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
