package settlement

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryGatewayVerifyDeposit(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway(3)
	g.SeedDeposit(Deposit{TxRef: "tx-ok", Sender: "0xposter", Units: 5_000_000, Confirmations: 3})
	g.SeedDeposit(Deposit{TxRef: "tx-young", Sender: "0xposter", Units: 5_000_000, Confirmations: 2})
	g.SeedDeposit(Deposit{TxRef: "tx-short", Sender: "0xposter", Units: 4_999_999, Confirmations: 5})

	dep, err := g.VerifyDeposit(ctx, "tx-ok", 5_000_000)
	if err != nil {
		t.Fatalf("VerifyDeposit: %v", err)
	}
	if dep.Sender != "0xposter" || dep.Units != 5_000_000 {
		t.Fatalf("unexpected deposit: %+v", dep)
	}

	if _, err := g.VerifyDeposit(ctx, "tx-missing", 1); !errors.Is(err, ErrDepositNotFound) {
		t.Fatalf("err = %v, want ErrDepositNotFound", err)
	}
	if _, err := g.VerifyDeposit(ctx, "tx-young", 5_000_000); !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("err = %v, want ErrNotConfirmed", err)
	}
	if _, err := g.VerifyDeposit(ctx, "tx-short", 5_000_000); !errors.Is(err, ErrInsufficientAmount) {
		t.Fatalf("err = %v, want ErrInsufficientAmount", err)
	}
}

func TestMemoryGatewaySend(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway(1)

	txRef, err := g.Send(ctx, "0xworker", 9_750_000)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if txRef == "" {
		t.Fatal("Send returned an empty tx ref")
	}

	if _, err := g.Send(ctx, "0xworker", 0); err == nil {
		t.Fatal("zero amount should be rejected")
	}

	transfers := g.Transfers()
	if len(transfers) != 1 {
		t.Fatalf("transfers = %d, want 1", len(transfers))
	}
	if transfers[0].Destination != "0xworker" || transfers[0].Units != 9_750_000 {
		t.Fatalf("unexpected transfer: %+v", transfers[0])
	}
}

func TestMemoryGatewayFailNextSend(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway(1)
	boom := errors.New("链上拥堵")
	g.FailNextSend(boom)

	if _, err := g.Send(ctx, "0xworker", 1_000_000); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want injected failure", err)
	}

	// 失败只触发一次，下一笔恢复正常。
	if _, err := g.Send(ctx, "0xworker", 1_000_000); err != nil {
		t.Fatalf("Send after injected failure: %v", err)
	}
	if len(g.Transfers()) != 1 {
		t.Fatalf("transfers = %d, want 1", len(g.Transfers()))
	}
}
