// Package render calls the screenshot sidecar that turns a markup+style
// pair into a PNG, and stores the result under the public results dir.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxAttempts    = 2
	attemptTimeout = 10 * time.Second
	retryDelay     = 500 * time.Millisecond
)

type renderRequest struct {
	HTML string `json:"html"`
	CSS  string `json:"css"`
}

// Client renders through an HTTP sidecar. The sidecar takes {html, css}
// and answers with PNG bytes; the client persists them and returns the
// URL path clients can fetch the artifact from.
type Client struct {
	baseURL    string
	resultsDir string
	httpc      *http.Client
	log        *zap.Logger
}

func NewClient(baseURL, resultsDir string, log *zap.Logger) (*Client, error) {
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	return &Client{
		baseURL:    baseURL,
		resultsDir: resultsDir,
		httpc:      &http.Client{Timeout: attemptTimeout},
		log:        log,
	}, nil
}

// Render produces the artifact for one submission. Attempts are bounded so
// a wedged sidecar cannot block a room forever.
func (c *Client) Render(ctx context.Context, html, css string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		png, err := c.renderOnce(ctx, html, css)
		if err != nil {
			lastErr = err
			c.log.Warn("render attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		name := uuid.NewString() + ".png"
		if err := os.WriteFile(filepath.Join(c.resultsDir, name), png, 0o644); err != nil {
			return "", fmt.Errorf("write artifact: %w", err)
		}
		return "/results/" + name, nil
	}
	return "", fmt.Errorf("render failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) renderOnce(ctx context.Context, html, css string) ([]byte, error) {
	body, err := json.Marshal(renderRequest{HTML: html, CSS: css})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("renderer returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
