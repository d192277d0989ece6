package app

import (
	"context"

	"github.com/1ureka/ringline/internal/config"
	"github.com/1ureka/ringline/internal/relay"
)

// RunRelay serves the signaling relay on cfg.ListenAddr until ctx is
// cancelled.
func RunRelay(ctx context.Context, cfg config.Config) error {
	return relay.NewServer().Run(ctx, cfg.ListenAddr)
}
