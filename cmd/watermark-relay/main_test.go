// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/watermark-relay/pkg/config"
	"github.com/aiku/watermark-relay/pkg/transport/matrix"
	"github.com/aiku/watermark-relay/pkg/transport/mattermost"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := config.WriteExample(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func noEnv(string) (string, bool) { return "", false }

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	cfg, err := loadConfig(writeConfig(t), false, func(key string) (string, bool) {
		if key == config.EnvMattermostToken {
			return "env-token", true
		}
		return "", false
	})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Mattermost.Token != "env-token" {
		t.Errorf("token not taken from env: %q", cfg.Mattermost.Token)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	t.Parallel()
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), false, noEnv)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("network: irc\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := loadConfig(path, false, noEnv)
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestNewNetwork(t *testing.T) {
	t.Parallel()
	cfg, err := config.Parse([]byte(config.ExampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	mm, err := newNetwork(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("mattermost: %v", err)
	}
	if _, ok := mm.(*mattermost.Client); !ok {
		t.Errorf("expected *mattermost.Client, got %T", mm)
	}

	cfg.Network = config.NetworkMatrix
	mx, err := newNetwork(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("matrix: %v", err)
	}
	if _, ok := mx.(*matrix.Client); !ok {
		t.Errorf("expected *matrix.Client, got %T", mx)
	}

	cfg.Network = "irc"
	if _, err := newNetwork(cfg, zerolog.Nop()); err == nil {
		t.Error("expected error for unknown network")
	}
}

func TestConnectNetworkFailure(t *testing.T) {
	t.Parallel()
	cfg, err := config.Parse([]byte(config.ExampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Mattermost.ServerURL = "http://127.0.0.1:1"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := connectNetwork(ctx, cfg, zerolog.Nop()); err == nil {
		t.Error("expected connect error")
	}
}
