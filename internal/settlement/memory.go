package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryGateway 在内存中模拟结算通道，用于测试和单机演示。
type MemoryGateway struct {
	mu        sync.Mutex
	deposits  map[string]*Deposit
	transfers []MemoryTransfer
	minConf   uint64
	sendErr   error
}

// MemoryTransfer 记录一次模拟转出。
type MemoryTransfer struct {
	TxRef       string
	Destination string
	Units       int64
}

// NewMemoryGateway 创建内存结算通道。
func NewMemoryGateway(minConfirmations uint64) *MemoryGateway {
	if minConfirmations == 0 {
		minConfirmations = 1
	}
	return &MemoryGateway{
		deposits: make(map[string]*Deposit),
		minConf:  minConfirmations,
	}
}

// SeedDeposit 预置一笔入账记录。
func (g *MemoryGateway) SeedDeposit(dep Deposit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	clone := dep
	g.deposits[dep.TxRef] = &clone
}

// FailNextSend 让后续 Send 返回指定错误，用于测试转账失败路径。
func (g *MemoryGateway) FailNextSend(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sendErr = err
}

// VerifyDeposit 实现 Gateway 接口。
func (g *MemoryGateway) VerifyDeposit(_ context.Context, txRef string, expectedUnits int64) (*Deposit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	dep, ok := g.deposits[txRef]
	if !ok {
		return nil, ErrDepositNotFound
	}
	if dep.Confirmations < g.minConf {
		return nil, ErrNotConfirmed
	}
	if dep.Units < expectedUnits {
		return nil, ErrInsufficientAmount
	}
	clone := *dep
	return &clone, nil
}

// Send 实现 Gateway 接口。
func (g *MemoryGateway) Send(_ context.Context, destination string, units int64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		err := g.sendErr
		g.sendErr = nil
		return "", err
	}
	if units <= 0 {
		return "", fmt.Errorf("转出金额必须为正数: %d", units)
	}
	txRef := "mem-" + uuid.NewString()
	g.transfers = append(g.transfers, MemoryTransfer{TxRef: txRef, Destination: destination, Units: units})
	return txRef, nil
}

// Transfers 返回所有已执行的转出记录。
func (g *MemoryGateway) Transfers() []MemoryTransfer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]MemoryTransfer(nil), g.transfers...)
}

// Close 对内存通道无需操作。
func (g *MemoryGateway) Close() error {
	return nil
}

var _ Gateway = (*MemoryGateway)(nil)
