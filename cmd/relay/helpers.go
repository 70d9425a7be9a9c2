package main

import (
	"fmt"
	"os"

	relay "github.com/relay-chat/relay-go"
	"go.uber.org/zap"
)

// newClient creates a Relay client from the CLI configuration.
func newClient() *relay.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var opts []relay.ClientOption
	if cfg.Server.BaseURL != "" {
		opts = append(opts, relay.WithBaseURL(cfg.Server.BaseURL))
	}
	return relay.NewClient("", opts...)
}

// newSession creates a session backed by the default credential store.
func newSession(logger *zap.Logger) *relay.Session {
	creds := relay.NewCredentialStore("")
	return relay.NewSession(newClient(), creds, relay.WithSessionLogger(logger))
}
