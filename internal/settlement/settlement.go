package settlement

import (
	"context"

	xerrors "OpenBounty-Chain/internal/errors"
)

// Deposit 描述一笔已在链上确认的入账。
type Deposit struct {
	TxRef         string
	Sender        string
	Units         int64
	Confirmations uint64
}

// Gateway 是结算通道的抽象。金额一律使用 USDC 最小单位（6 位小数）。
type Gateway interface {
	// VerifyDeposit 校验存款交易：收款方必须是金库地址，金额不少于
	// expectedUnits，且确认数达到通道要求。
	VerifyDeposit(ctx context.Context, txRef string, expectedUnits int64) (*Deposit, error)
	// Send 向目标地址转出指定金额，返回链上交易引用。
	Send(ctx context.Context, destination string, units int64) (string, error)
	Close() error
}

const (
	CodeDepositNotFound    xerrors.Code = "SETTLEMENT_DEPOSIT_NOT_FOUND"
	CodeDepositRejected    xerrors.Code = "SETTLEMENT_DEPOSIT_REJECTED"
	CodeInsufficientAmount xerrors.Code = "SETTLEMENT_INSUFFICIENT_AMOUNT"
	CodeNotConfirmed       xerrors.Code = "SETTLEMENT_NOT_CONFIRMED"
	CodeTransferFailure    xerrors.Code = "SETTLEMENT_TRANSFER_FAILED"
)

var (
	// ErrDepositNotFound 表示链上找不到对应交易。
	ErrDepositNotFound = xerrors.New(CodeDepositNotFound, "deposit transaction not found")
	// ErrDepositRejected 表示交易存在但不满足入账条件。
	ErrDepositRejected = xerrors.New(CodeDepositRejected, "deposit transaction rejected")
	// ErrInsufficientAmount 表示入账金额低于期望值。
	ErrInsufficientAmount = xerrors.New(CodeInsufficientAmount, "deposit amount below expected")
	// ErrNotConfirmed 表示确认数不足，稍后可重试。
	ErrNotConfirmed = xerrors.New(CodeNotConfirmed, "deposit not yet confirmed")
	// ErrTransferFailed 表示转出交易失败。
	ErrTransferFailed = xerrors.New(CodeTransferFailure, "transfer failed")
)

func init() {
	xerrors.Register(CodeDepositNotFound, xerrors.Attributes{
		Message:   "deposit transaction not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDepositRejected, xerrors.Attributes{
		Message:   "deposit transaction rejected",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientAmount, xerrors.Attributes{
		Message:   "deposit amount below expected",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotConfirmed, xerrors.Attributes{
		Message:   "deposit not yet confirmed",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeTransferFailure, xerrors.Attributes{
		Message:   "transfer failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
