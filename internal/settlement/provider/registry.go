package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"OpenBounty-Chain/internal/settlement"
	"OpenBounty-Chain/internal/settlement/ethereum"
)

// Registry manages a set of settlement gateways keyed by human readable names.
type Registry struct {
	defaultChain string
	gateways     map[string]settlement.Gateway
}

// Config selects the chain definition file and the default chain.
type Config struct {
	ChainConfig  string
	DefaultChain string
}

// NewRegistry loads chain definitions and instantiates concrete gateways.
func NewRegistry(ctx context.Context, cfg Config) (*Registry, error) {
	defs, err := settlement.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	gateways := make(map[string]settlement.Gateway)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			gateway, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:             name,
				RPCURL:           chain.RPCURL,
				TokenAddress:     chain.TokenAddress,
				TreasuryAddress:  chain.TreasuryAddress,
				PrivateKey:       chain.PrivateKey(),
				MinConfirmations: chain.MinConfirmations,
				Notes:            chain.Description,
			})
			if err != nil {
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			gateways[name] = gateway
		case "memory":
			gateways[name] = settlement.NewMemoryGateway(chain.MinConfirmations)
		default:
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	if len(gateways) == 0 {
		return nil, errors.New("未配置任何结算链")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(gateways))
		for name := range gateways {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := gateways[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, gateways: gateways}, nil
}

// DefaultGateway returns the gateway configured as default chain.
func (r *Registry) DefaultGateway() (settlement.Gateway, error) {
	if r == nil {
		return nil, errors.New("未初始化的结算网关注册表")
	}
	gateway, ok := r.gateways[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return gateway, nil
}

// Gateway returns the gateway identified by name.
func (r *Registry) Gateway(name string) (settlement.Gateway, bool) {
	if r == nil {
		return nil, false
	}
	gateway, ok := r.gateways[name]
	return gateway, ok
}

// Close releases every gateway in the registry.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for name, gateway := range r.gateways {
		if err := gateway.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭链 %s 失败: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
