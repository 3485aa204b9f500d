package services

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"vault-settlement-system/amounts"
	"vault-settlement-system/apperr"
	"vault-settlement-system/ledger"
	"vault-settlement-system/logger"
)

// DepositClaim is what the user says they paid.
type DepositClaim struct {
	TxReference string
	Depositor   string
	Receiver    string
	Asset       amounts.Asset
	Amount      decimal.Decimal
}

// DepositVerifier checks that a confirmed ledger transaction paid the
// receiver at least 99% of the claimed amount. It never writes anything.
type DepositVerifier struct {
	ledger ledger.Adapter
}

func NewDepositVerifier(adapter ledger.Adapter) *DepositVerifier {
	return &DepositVerifier{ledger: adapter}
}

const snapshotSize = 5

// Verify returns nil when the claim is backed by the ledger, a
// VerificationRejected error when it is not, and LedgerUnavailable when the
// ledger could not be read.
func (v *DepositVerifier) Verify(ctx context.Context, claim DepositClaim) error {
	tx, err := v.ledger.GetTransaction(ctx, claim.TxReference)
	if err != nil {
		e := apperr.Wrap(err, apperr.KindLedgerUnavailable, "LEDGER_UNAVAILABLE", "could not read transaction %s", claim.TxReference)
		e.TxHash = claim.TxReference
		return e
	}
	if tx == nil {
		logger.Warnf("Transaction not found: %s", claim.TxReference)
		return apperr.Rejected(apperr.CodeTxNotFound, "transaction %s not found", claim.TxReference)
	}
	if tx.Failed {
		logger.Warnf("Transaction %s failed on-ledger: %s", claim.TxReference, tx.FailureInfo)
		return apperr.Rejected(apperr.CodeTxFailedOnLedger, "transaction %s failed on-ledger", claim.TxReference)
	}

	expected, err := amounts.ToBaseUnits(claim.Amount, claim.Asset)
	if err != nil {
		return apperr.Validation("INVALID_AMOUNT", "amount %s: %v", claim.Amount, err)
	}

	if claim.Asset.Native && matchNative(tx.Instructions, claim, expected) {
		return nil
	}
	if claim.Asset.Mint != "" && v.matchToken(tx.Instructions, claim, expected) {
		return nil
	}

	logger.WithFields(map[string]interface{}{
		"tx_hash":   claim.TxReference,
		"token":     claim.Asset.Symbol,
		"depositor": claim.Depositor,
		"receiver":  claim.Receiver,
		"expected":  expected,
	}).Warnf("Deposit verification failed, instruction snapshot: %s", snapshot(tx.Instructions))
	return apperr.Rejected(apperr.CodeNoMatchingTransfer, "transaction %s does not pay %s %s to the vault", claim.TxReference, claim.Amount, claim.Asset.Symbol)
}

func matchNative(instructions []ledger.Instruction, claim DepositClaim, expected uint64) bool {
	for _, ix := range instructions {
		t, ok := ix.(ledger.NativeTransfer)
		if !ok {
			continue
		}
		if t.Source == claim.Depositor && t.Destination == claim.Receiver && amounts.MeetsTolerance(t.Amount, expected) {
			return true
		}
	}
	return false
}

func (v *DepositVerifier) matchToken(instructions []ledger.Instruction, claim DepositClaim, expected uint64) bool {
	depositorSub := v.subAccount(claim.Depositor, claim.Asset.Mint)
	receiverSub := v.subAccount(claim.Receiver, claim.Asset.Mint)

	for _, ix := range instructions {
		t, ok := ix.(ledger.TokenTransfer)
		if !ok {
			continue
		}
		if t.Mint != "" && t.Mint != claim.Asset.Mint {
			continue
		}
		src := t.Source
		if src == "" {
			src = t.Authority
		}
		srcOK := src == claim.Depositor || (depositorSub != "" && src == depositorSub)
		dstOK := t.Destination == claim.Receiver || (receiverSub != "" && t.Destination == receiverSub)
		if srcOK && dstOK && amounts.MeetsTolerance(t.Amount, expected) {
			return true
		}
	}
	return false
}

// subAccount returns "" when owner cannot hold a sub-account for mint.
func (v *DepositVerifier) subAccount(owner, mint string) string {
	sub, err := v.ledger.ResolveAssetSubAccount(owner, mint)
	if err != nil {
		logger.Debugf("no sub-account for %s/%s: %v", owner, mint, err)
		return ""
	}
	return sub
}

func snapshot(instructions []ledger.Instruction) string {
	n := len(instructions)
	if n > snapshotSize {
		n = snapshotSize
	}
	return fmt.Sprintf("%+v", instructions[:n])
}
