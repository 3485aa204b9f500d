// Package ledger is the boundary to the distributed ledger. Decoded
// transactions and outbound payouts share one tagged-variant instruction model.
package ledger

import (
	"context"
	"errors"
)

// ErrTransient marks failures worth retrying (timeouts, 5xx, dropped connections).
var ErrTransient = errors.New("transient ledger failure")

// ErrNotConfirmed is returned when a signature failed or did not reach the
// requested commitment in time.
var ErrNotConfirmed = errors.New("transaction not confirmed")

// Instruction is one of NativeTransfer, TokenTransfer, CreateSubAccount or Other.
type Instruction interface {
	instruction()
}

// NativeTransfer moves the chain's native coin.
type NativeTransfer struct {
	Source      string
	Destination string
	Amount      uint64
}

// TokenTransfer moves a fungible token between sub-accounts. Mint is empty
// when the decoded instruction did not name it.
type TokenTransfer struct {
	Source      string
	Destination string
	Authority   string
	Mint        string
	Amount      uint64
	Decimals    uint8
}

// CreateSubAccount creates Owner's sub-account for Mint, paid by Payer.
type CreateSubAccount struct {
	Payer string
	Owner string
	Mint  string
}

// Other is any instruction the engine does not act on.
type Other struct {
	Program string
	Kind    string
	Raw     string
}

func (NativeTransfer) instruction()   {}
func (TokenTransfer) instruction()    {}
func (CreateSubAccount) instruction() {}
func (Other) instruction()            {}

// Transaction is a confirmed ledger transaction with top-level and inner
// instructions flattened in execution order.
type Transaction struct {
	Signature    string
	Slot         uint64
	Failed       bool
	FailureInfo  string
	Instructions []Instruction
}

// Signer signs serialized messages on behalf of a ledger account.
type Signer interface {
	Address() string
	Sign(message []byte) ([]byte, error)
}

type Adapter interface {
	// GetTransaction returns nil, nil when the reference is unknown.
	GetTransaction(ctx context.Context, reference string) (*Transaction, error)
	ResolveAssetSubAccount(owner, assetID string) (string, error)
	GetLatestReferenceBlock(ctx context.Context) (string, error)
	// SignAndBroadcast returns the signature whenever the transaction was
	// signed, including alongside an error; such a payout may have landed.
	SignAndBroadcast(ctx context.Context, referenceBlock string, instructions []Instruction, signer Signer) (string, error)
	Confirm(ctx context.Context, signature string) error
	AccountExists(ctx context.Context, address string) (bool, error)
}
