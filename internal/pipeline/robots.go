package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// ProbeRobots fetches and parses the source's robots.txt and logs
// whether the given path is allowed for the crawler's user agent. The
// probe is informational: list rules in config remain the enforcement
// mechanism, and a missing or unreadable robots.txt never blocks a run.
func ProbeRobots(ctx context.Context, baseURL, path, userAgent string, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	robotsURL := strings.TrimRight(baseURL, "/") + "/robots.txt"

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		logger.Warn("robots probe skipped", zap.String("url", robotsURL), zap.Error(err))
		return
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Warn("robots probe failed", zap.String("url", robotsURL), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		logger.Warn("robots probe read failed", zap.String("url", robotsURL), zap.Error(err))
		return
	}

	robots, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		logger.Warn("robots probe parse failed", zap.String("url", robotsURL), zap.Error(err))
		return
	}

	allowed := robots.TestAgent(path, userAgent)
	logger.Info("robots probe",
		zap.String("url", robotsURL),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Bool("allowed", allowed),
	)
	if !allowed {
		logger.Warn(fmt.Sprintf("robots.txt disallows %s for this agent; review list rules", path))
	}
}
