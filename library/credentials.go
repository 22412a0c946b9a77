package library

import (
	"context"
	"fmt"
	"strings"

	"github.com/meikuraledutech/pixelflow"
)

// Credentials stores the API key the user entered in settings. It is kept
// under its own key, apart from projects and history.
type Credentials struct {
	kv pixelflow.KV
}

func NewCredentials(kv pixelflow.KV) *Credentials {
	return &Credentials{kv: kv}
}

// APIKey returns the stored key, or "" when none was set.
func (c *Credentials) APIKey(ctx context.Context) (string, error) {
	var key string
	if _, err := c.kv.Get(ctx, KeyCredential, &key); err != nil {
		return "", fmt.Errorf("pixelflow: load credential: %w", err)
	}
	return key, nil
}

func (c *Credentials) SetAPIKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return c.Clear(ctx)
	}
	if err := c.kv.Set(ctx, KeyCredential, key); err != nil {
		return fmt.Errorf("pixelflow: save credential: %w", err)
	}
	return nil
}

func (c *Credentials) Clear(ctx context.Context) error {
	if err := c.kv.Del(ctx, KeyCredential); err != nil {
		return fmt.Errorf("pixelflow: clear credential: %w", err)
	}
	return nil
}
