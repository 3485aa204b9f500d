// Package solanarpc implements ledger.Adapter over Solana JSON-RPC.
package solanarpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"vault-settlement-system/ledger"
	"vault-settlement-system/logger"
)

type Adapter struct {
	client       *rpc.Client
	commitment   rpc.CommitmentType
	pollInterval time.Duration
}

func New(endpoint string) *Adapter {
	return &Adapter{
		client:       rpc.New(endpoint),
		commitment:   rpc.CommitmentConfirmed,
		pollInterval: 500 * time.Millisecond,
	}
}

var _ ledger.Adapter = (*Adapter)(nil)

func transient(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ledger.ErrTransient, err)
}

func (a *Adapter) GetTransaction(ctx context.Context, reference string) (*ledger.Transaction, error) {
	// A malformed signature cannot exist on the ledger.
	if _, err := solana.SignatureFromBase58(reference); err != nil {
		return nil, nil
	}

	var out *rpcTransaction
	err := a.client.RPCCallForInto(ctx, &out, "getTransaction", []interface{}{
		reference,
		map[string]interface{}{
			"encoding":                       "jsonParsed",
			"commitment":                     a.commitment,
			"maxSupportedTransactionVersion": 0,
		},
	})
	if err != nil {
		return nil, transient(err)
	}
	if out == nil {
		return nil, nil
	}
	tx, err := decodeTransaction(out)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", reference, err)
	}
	if tx.Signature == "" {
		tx.Signature = reference
	}
	return tx, nil
}

func (a *Adapter) ResolveAssetSubAccount(owner, assetID string) (string, error) {
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return "", fmt.Errorf("owner %q: %w", owner, err)
	}
	mintKey, err := solana.PublicKeyFromBase58(assetID)
	if err != nil {
		return "", fmt.Errorf("mint %q: %w", assetID, err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(ownerKey, mintKey)
	if err != nil {
		return "", err
	}
	return ata.String(), nil
}

func (a *Adapter) GetLatestReferenceBlock(ctx context.Context) (string, error) {
	res, err := a.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", transient(err)
	}
	return res.Value.Blockhash.String(), nil
}

func (a *Adapter) AccountExists(ctx context.Context, address string) (bool, error) {
	key, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return false, fmt.Errorf("address %q: %w", address, err)
	}
	_, err = a.client.GetAccountInfo(ctx, key)
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, transient(err)
	}
	return true, nil
}

// SignAndBroadcast signs once and resends the identical transaction on
// transport failures, so a resend can never produce a second payout. Once
// the transaction is signed its signature is returned even alongside an
// error: the payout may have landed.
func (a *Adapter) SignAndBroadcast(ctx context.Context, referenceBlock string, instructions []ledger.Instruction, signer ledger.Signer) (string, error) {
	payer, err := solana.PublicKeyFromBase58(signer.Address())
	if err != nil {
		return "", fmt.Errorf("signer address: %w", err)
	}
	blockhash, err := solana.HashFromBase58(referenceBlock)
	if err != nil {
		return "", fmt.Errorf("reference block: %w", err)
	}

	built := make([]solana.Instruction, 0, len(instructions))
	for _, ix := range instructions {
		native, err := toNative(ix)
		if err != nil {
			return "", err
		}
		built = append(built, native)
	}

	tx, err := solana.NewTransaction(built, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("serialize message: %w", err)
	}
	raw, err := signer.Sign(message)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	var sig solana.Signature
	if len(raw) != len(sig) {
		return "", fmt.Errorf("signer returned %d bytes", len(raw))
	}
	copy(sig[:], raw)
	tx.Signatures = []solana.Signature{sig}

	log := logger.WithField("signature", sig.String())
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.pollInterval
	b.MaxElapsedTime = 0
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		_, err := a.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			PreflightCommitment: a.commitment,
		})
		if err == nil {
			return nil
		}
		if alreadyProcessed(err) {
			log.Infof("broadcast attempt %d: transaction already processed", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		log.WithField("attempt", attempt).Warnf("broadcast failed, resending: %v", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx))
	if err == nil {
		return sig.String(), nil
	}

	// A lost response does not mean the transaction was dropped.
	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	landed, statusErr := a.landed(statusCtx, sig)
	if statusErr != nil {
		log.Warnf("signature status after failed broadcast unavailable: %v", statusErr)
	}
	if landed {
		log.Warnf("broadcast reported %v but the transaction landed", err)
		return sig.String(), nil
	}
	return sig.String(), transient(err)
}

// alreadyProcessed reports a preflight rejection of a resend whose first
// copy already reached the ledger.
func alreadyProcessed(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return strings.Contains(strings.ToLower(rpcErr.Message), "already been processed")
	}
	return strings.Contains(strings.ToLower(err.Error()), "already been processed")
}

// landed reports whether sig is known to the ledger without an execution error.
func (a *Adapter) landed(ctx context.Context, sig solana.Signature) (bool, error) {
	res, err := a.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return false, err
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return false, nil
	}
	return res.Value[0].Err == nil, nil
}

// Confirm polls signature status until it reaches the adapter's commitment,
// fails on-ledger, or ctx expires.
func (a *Adapter) Confirm(ctx context.Context, signature string) error {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return fmt.Errorf("signature %q: %w", signature, err)
	}

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		res, err := a.client.GetSignatureStatuses(ctx, true, sig)
		if err == nil && res != nil && len(res.Value) > 0 && res.Value[0] != nil {
			status := res.Value[0]
			if status.Err != nil {
				return fmt.Errorf("%w: %s failed: %v", ledger.ErrNotConfirmed, signature, status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		} else if err != nil {
			logger.Debugf("signature status for %s unavailable: %v", signature, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func toNative(ix ledger.Instruction) (solana.Instruction, error) {
	switch v := ix.(type) {
	case ledger.NativeTransfer:
		from, to, err := keys(v.Source, v.Destination)
		if err != nil {
			return nil, err
		}
		return system.NewTransferInstruction(v.Amount, from, to).Build(), nil

	case ledger.TokenTransfer:
		src, dst, err := keys(v.Source, v.Destination)
		if err != nil {
			return nil, err
		}
		authority, mint, err := keys(v.Authority, v.Mint)
		if err != nil {
			return nil, err
		}
		return token.NewTransferCheckedInstruction(v.Amount, v.Decimals, src, mint, dst, authority, nil).Build(), nil

	case ledger.CreateSubAccount:
		payer, owner, err := keys(v.Payer, v.Owner)
		if err != nil {
			return nil, err
		}
		mint, err := solana.PublicKeyFromBase58(v.Mint)
		if err != nil {
			return nil, fmt.Errorf("mint %q: %w", v.Mint, err)
		}
		return associatedtokenaccount.NewCreateInstruction(payer, owner, mint).Build(), nil
	}
	return nil, fmt.Errorf("cannot broadcast instruction %T", ix)
}

func keys(a, b string) (solana.PublicKey, solana.PublicKey, error) {
	ka, err := solana.PublicKeyFromBase58(a)
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("address %q: %w", a, err)
	}
	kb, err := solana.PublicKeyFromBase58(b)
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("address %q: %w", b, err)
	}
	return ka, kb, nil
}
