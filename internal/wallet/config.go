package wallet

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// NetworkDefinitions models the YAML file listing Solana RPC endpoints.
type NetworkDefinitions struct {
	Networks map[string]NetworkDefinition `yaml:"networks"`
}

// NetworkDefinition describes one RPC endpoint and static prices for it.
type NetworkDefinition struct {
	RPCURL      string             `yaml:"rpc_url"`
	Description string             `yaml:"description"`
	TokenPrices map[string]float64 `yaml:"token_prices"`
	// TokenProgram overrides the SPL token program used to list accounts.
	TokenProgram string `yaml:"token_program"`
}

// LoadNetworkDefinitions parses the network file. An empty path yields no networks.
func LoadNetworkDefinitions(path string) (NetworkDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return NetworkDefinitions{Networks: map[string]NetworkDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return NetworkDefinitions{}, fmt.Errorf("read network config: %w", err)
	}

	var defs NetworkDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return NetworkDefinitions{}, fmt.Errorf("parse network config: %w", err)
	}
	if defs.Networks == nil {
		defs.Networks = map[string]NetworkDefinition{}
	}
	return defs, nil
}
