package settlement

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single settlement chain endpoint.
type ChainDefinition struct {
	Type             string `yaml:"type"`
	RPCURL           string `yaml:"rpc_url"`
	TokenAddress     string `yaml:"token_address"`
	TreasuryAddress  string `yaml:"treasury_address"`
	PrivateKeyEnv    string `yaml:"private_key_env"`
	MinConfirmations uint64 `yaml:"min_confirmations"`
	Description      string `yaml:"description"`
}

// PrivateKey resolves the treasury key from the configured environment variable.
func (d ChainDefinition) PrivateKey() string {
	env := strings.TrimSpace(d.PrivateKeyEnv)
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}
