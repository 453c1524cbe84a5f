package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"reev-harness/internal/config"
)

// Registry manages wallet providers keyed by network name.
type Registry struct {
	defaultNetwork string
	providers      map[string]*RPCProvider
}

// NewRegistry loads network definitions and dials every endpoint.
func NewRegistry(ctx context.Context, cfg config.WalletConfig) (*Registry, error) {
	defs, err := LoadNetworkDefinitions(cfg.NetworkConfig)
	if err != nil {
		return nil, err
	}

	providers := make(map[string]*RPCProvider)
	for name, network := range defs.Networks {
		provider, err := DialRPC(ctx, RPCConfig{
			Name:         name,
			RPCURL:       network.RPCURL,
			TokenProgram: network.TokenProgram,
			TokenPrices:  network.TokenPrices,
		})
		if err != nil {
			closeAll(providers)
			return nil, fmt.Errorf("init network %s: %w", name, err)
		}
		providers[name] = provider
	}

	if len(providers) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		provider, err := DialRPC(ctx, RPCConfig{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		providers["default"] = provider
		if cfg.DefaultNetwork == "" {
			cfg.DefaultNetwork = "default"
		}
	}

	if len(providers) == 0 {
		return nil, errors.New("no wallet rpc endpoint configured")
	}

	defaultNetwork := cfg.DefaultNetwork
	if defaultNetwork == "" {
		names := make([]string, 0, len(providers))
		for name := range providers {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultNetwork = names[0]
	}
	if _, ok := providers[defaultNetwork]; !ok {
		closeAll(providers)
		return nil, fmt.Errorf("default network %s is not configured", defaultNetwork)
	}

	return &Registry{defaultNetwork: defaultNetwork, providers: providers}, nil
}

// Snapshot reads owner from the default network.
func (r *Registry) Snapshot(ctx context.Context, owner string) (*Context, error) {
	provider, err := r.Default()
	if err != nil {
		return nil, err
	}
	return provider.Snapshot(ctx, owner)
}

// Default returns the provider of the default network.
func (r *Registry) Default() (*RPCProvider, error) {
	if r == nil {
		return nil, errors.New("wallet registry not initialized")
	}
	provider, ok := r.providers[r.defaultNetwork]
	if !ok {
		return nil, fmt.Errorf("default network %s not registered", r.defaultNetwork)
	}
	return provider, nil
}

// Provider returns the provider of a named network.
func (r *Registry) Provider(name string) (*RPCProvider, bool) {
	if r == nil {
		return nil, false
	}
	provider, ok := r.providers[name]
	return provider, ok
}

// Networks returns the registered network names.
func (r *Registry) Networks() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every provider.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.providers)
}

func closeAll(providers map[string]*RPCProvider) {
	for name, provider := range providers {
		provider.Close()
		delete(providers, name)
	}
}
