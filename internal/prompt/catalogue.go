// Package prompt loads the initial prompts: one directory per prompt with
// the markup fragment and the reference style its target is rendered from.
package prompt

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"css-relay/internal/room"
)

// TargetRenderer renders a prompt's reference style into its target image.
// Satisfied by the render package's client.
type TargetRenderer interface {
	Render(ctx context.Context, html, css string) (string, error)
}

// Catalogue holds the loaded prompts and serves random draws from them.
type Catalogue struct {
	mu      sync.Mutex
	prompts []room.Prompt
}

// Load walks dir for subdirectories containing index.html and style.css,
// renders each target image through r and returns the catalogue. Prompt
// folders missing either file are skipped; a catalogue with zero prompts
// is an error the caller should treat as fatal at boot.
func Load(ctx context.Context, dir string, r TargetRenderer, log *zap.Logger) (*Catalogue, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read prompts dir: %w", err)
	}

	c := &Catalogue{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		base := filepath.Join(dir, entry.Name())
		html, err := os.ReadFile(filepath.Join(base, "index.html"))
		if err != nil {
			continue
		}
		css, err := os.ReadFile(filepath.Join(base, "style.css"))
		if err != nil {
			continue
		}

		targetURL, err := r.Render(ctx, string(html), string(css))
		if err != nil {
			return nil, fmt.Errorf("render target for %s: %w", entry.Name(), err)
		}
		c.prompts = append(c.prompts, room.Prompt{
			HTML:           string(html),
			TargetImageURL: targetURL,
		})
		log.Info("prompt target generated", zap.String("prompt", entry.Name()))
	}

	if len(c.prompts) == 0 {
		return nil, fmt.Errorf("no prompts loadable from %s", dir)
	}
	log.Info("initial prompts loaded", zap.Int("count", len(c.prompts)))
	return c, nil
}

// Draw returns count distinct random prompts. Fails when the catalogue is
// smaller than count.
func (c *Catalogue) Draw(count int) ([]room.Prompt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if count > len(c.prompts) {
		return nil, fmt.Errorf("catalogue holds %d prompts, %d requested", len(c.prompts), count)
	}
	idx := rand.Perm(len(c.prompts))
	out := make([]room.Prompt, count)
	for i := 0; i < count; i++ {
		out[i] = c.prompts[idx[i]]
	}
	return out, nil
}

// Size reports how many prompts were loaded.
func (c *Catalogue) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}
