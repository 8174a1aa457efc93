package main

import (
	"fmt"
	"strings"

	"flowmesh/dataflow-runtime/internal/config"
	"flowmesh/dataflow-runtime/pkg/logger"
	"flowmesh/dataflow-runtime/pkg/types"
)

// loadConfig resolves the effective configuration for a start command.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	// The --log-level flag wins over the configured level.
	if logLevel == "" {
		logger.SetLevelFromString(cfg.Logging.Level)
	}
	return cfg, nil
}

// resolveSelf determines the endpoint id this runtime advertises to peers.
// Peers dial it, so it must be a reachable host:port.
func resolveSelf(cfg *config.Config) types.Endpoint {
	if cfg.Node.ID != "" {
		return types.Endpoint(cfg.Node.ID)
	}
	addr := cfg.Server.Address
	if strings.HasPrefix(addr, ":") {
		return types.Endpoint("localhost" + addr)
	}
	return types.Endpoint(addr)
}

func toTags(raw []string) []types.Tag {
	if len(raw) == 0 {
		return nil
	}
	tags := make([]types.Tag, 0, len(raw))
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t != "" {
			tags = append(tags, types.Tag(t))
		}
	}
	return tags
}

func toEndpoints(raw []string) []types.Endpoint {
	endpoints := make([]types.Endpoint, 0, len(raw))
	for _, e := range raw {
		e = strings.TrimSpace(e)
		if e != "" {
			endpoints = append(endpoints, types.Endpoint(e))
		}
	}
	return endpoints
}
