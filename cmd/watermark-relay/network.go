// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aiku/watermark-relay/pkg/config"
	"github.com/aiku/watermark-relay/pkg/transport"
	"github.com/aiku/watermark-relay/pkg/transport/matrix"
	"github.com/aiku/watermark-relay/pkg/transport/mattermost"
)

type connector interface {
	transport.Network
	Connect(ctx context.Context) error
}

func newNetwork(cfg *config.Config, log zerolog.Logger) (connector, error) {
	switch cfg.Network {
	case config.NetworkMattermost:
		return mattermost.New(mattermost.Config{
			ServerURL: cfg.Mattermost.ServerURL,
			Token:     cfg.Mattermost.Token,
		}, log), nil
	case config.NetworkMatrix:
		return matrix.New(matrix.Config{
			HomeserverURL: cfg.Matrix.HomeserverURL,
			UserID:        cfg.Matrix.UserID,
			AccessToken:   cfg.Matrix.AccessToken,
		}, log)
	default:
		return nil, fmt.Errorf("unknown network %q", cfg.Network)
	}
}

// connectNetwork builds the configured chat client and authenticates it.
func connectNetwork(ctx context.Context, cfg *config.Config, log zerolog.Logger) (transport.Network, error) {
	network, err := newNetwork(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := network.Connect(ctx); err != nil {
		network.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Network, err)
	}
	return network, nil
}
