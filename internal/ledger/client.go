// internal/ledger/client.go
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/javajoker/traceledger/internal/models"
)

var (
	// ErrTransient marks failures worth retrying: network, timeouts, node hiccups.
	ErrTransient = errors.New("ledger temporarily unavailable")
	// ErrRejected marks business rejections by the contract. Never retried.
	ErrRejected = errors.New("ledger rejected submission")
	// ErrAlreadyRegistered is returned when the product already exists on chain.
	ErrAlreadyRegistered = errors.New("product already registered on ledger")
	// ErrConfirmationTimeout means the transaction was broadcast but not mined in time.
	ErrConfirmationTimeout = errors.New("ledger confirmation timed out")
	// ErrTxNotFound means the node has no record of a previously broadcast transaction.
	ErrTxNotFound = errors.New("ledger transaction not found")
)

// Client is the narrow view of the traceability contract the engine depends on.
type Client interface {
	RegisterProduct(ctx context.Context, req RegisterProductRequest) (*Receipt, error)
	AppendStep(ctx context.Context, req AppendStepRequest) (*Receipt, error)
	FetchProductState(ctx context.Context, qrCode string) (*ProductState, error)
	// AwaitReceipt resumes waiting on a transaction broadcast by an earlier attempt.
	AwaitReceipt(ctx context.Context, txHash string) (*Receipt, error)
	Network() string
}

type RegisterProductRequest struct {
	QRCode      string
	Name        string
	Description string
}

type AppendStepRequest struct {
	QRCode      string
	StepType    string
	Description string
	Location    string
}

type Receipt struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
	Network     string `json:"network"`
}

func (r *Receipt) Ref() models.LedgerRef {
	if r == nil {
		return models.LedgerRef{}
	}
	return models.LedgerRef{
		TxHash:      r.TxHash,
		BlockNumber: r.BlockNumber,
		GasUsed:     r.GasUsed,
		Network:     r.Network,
	}
}

type ProductState struct {
	Exists      bool   `json:"exists"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	StepCount   int    `json:"step_count"`
}

// AlreadyRegisteredError carries the receipt of the original registration.
type AlreadyRegisteredError struct {
	QRCode  string
	Receipt *Receipt
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("product %s already registered on ledger", e.QRCode)
}

func (e *AlreadyRegisteredError) Is(target error) bool {
	return target == ErrAlreadyRegistered
}

// PendingTxError is returned when a transaction was broadcast but its receipt
// did not arrive within the wait budget. The submission may still confirm.
type PendingTxError struct {
	TxHash string
}

func (e *PendingTxError) Error() string {
	return fmt.Sprintf("transaction %s not confirmed within wait budget", e.TxHash)
}

func (e *PendingTxError) Is(target error) bool {
	return target == ErrConfirmationTimeout || target == ErrTransient
}

// RejectedError wraps a contract-level rejection reason.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "ledger rejected submission: " + e.Reason
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) && !errors.Is(err, ErrRejected)
}

func transient(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}
