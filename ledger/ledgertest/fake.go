// Package ledgertest provides an in-memory ledger.Adapter for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"

	"vault-settlement-system/ledger"
)

// Payout is a broadcast recorded by Fake.
type Payout struct {
	Signature      string
	ReferenceBlock string
	Signer         string
	Instructions   []ledger.Instruction
}

type Fake struct {
	mu sync.Mutex

	transactions map[string]*ledger.Transaction
	accounts     map[string]bool
	payouts      []Payout
	lookups      map[string]int

	// Injected failures. GetTransactionErrs are consumed one per call.
	GetTransactionErrs []error
	BroadcastErr       error
	// BroadcastLost lands the payout but still reports BroadcastErr, as when
	// the send response is lost in transit.
	BroadcastLost bool
	ConfirmErr    error
}

func NewFake() *Fake {
	return &Fake{
		transactions: make(map[string]*ledger.Transaction),
		accounts:     make(map[string]bool),
		lookups:      make(map[string]int),
	}
}

// SubAccount is the deterministic sub-account Fake derives for owner and mint.
func SubAccount(owner, mint string) string {
	return fmt.Sprintf("sub:%s:%s", owner, mint)
}

func (f *Fake) AddTransaction(tx *ledger.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions[tx.Signature] = tx
}

func (f *Fake) AddAccount(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[address] = true
}

func (f *Fake) Payouts() []Payout {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Payout(nil), f.payouts...)
}

// Lookups counts GetTransaction calls that reached the fake for reference.
func (f *Fake) Lookups(reference string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups[reference]
}

func (f *Fake) GetTransaction(ctx context.Context, reference string) (*ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups[reference]++
	if len(f.GetTransactionErrs) > 0 {
		err := f.GetTransactionErrs[0]
		f.GetTransactionErrs = f.GetTransactionErrs[1:]
		return nil, err
	}
	return f.transactions[reference], nil
}

func (f *Fake) ResolveAssetSubAccount(owner, assetID string) (string, error) {
	return SubAccount(owner, assetID), nil
}

func (f *Fake) GetLatestReferenceBlock(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("block-%d", len(f.payouts)+1), nil
}

func (f *Fake) SignAndBroadcast(ctx context.Context, referenceBlock string, instructions []ledger.Instruction, signer ledger.Signer) (string, error) {
	if _, err := signer.Sign([]byte(referenceBlock)); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sig := fmt.Sprintf("payout-sig-%d", len(f.payouts)+1)
	if f.BroadcastErr != nil && !f.BroadcastLost {
		return "", f.BroadcastErr
	}
	f.payouts = append(f.payouts, Payout{
		Signature:      sig,
		ReferenceBlock: referenceBlock,
		Signer:         signer.Address(),
		Instructions:   instructions,
	})
	for _, ix := range instructions {
		if c, ok := ix.(ledger.CreateSubAccount); ok {
			f.accounts[SubAccount(c.Owner, c.Mint)] = true
		}
	}
	return sig, f.BroadcastErr
}

func (f *Fake) Confirm(ctx context.Context, signature string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ConfirmErr
}

func (f *Fake) AccountExists(ctx context.Context, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[address], nil
}

// Signer signs with a fixed prefix; it never fails unless Err is set.
type Signer struct {
	Addr string
	Err  error
}

func (s Signer) Address() string { return s.Addr }

func (s Signer) Sign(message []byte) ([]byte, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]byte("signed:"), message...), nil
}
