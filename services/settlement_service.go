package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"vault-settlement-system/amounts"
	"vault-settlement-system/apperr"
	"vault-settlement-system/ledger"
	"vault-settlement-system/logger"
	"vault-settlement-system/store"
)

type DepositState string

const (
	DepositRequested       DepositState = "requested"
	DepositLedgerVerifying DepositState = "ledger_verifying"
	DepositLedgerVerified  DepositState = "ledger_verified"
	DepositLedgerRejected  DepositState = "ledger_rejected"
	DepositRecorded        DepositState = "recorded"
	DepositRecordFailed    DepositState = "record_failed"
)

type WithdrawalState string

const (
	WithdrawalRequested     WithdrawalState = "requested"
	WithdrawalComputing     WithdrawalState = "computing"
	WithdrawalPaying        WithdrawalState = "paying"
	WithdrawalPaid          WithdrawalState = "paid"
	WithdrawalPaymentFailed WithdrawalState = "payment_failed"
	WithdrawalRecorded      WithdrawalState = "recorded"
	WithdrawalRecordFailed  WithdrawalState = "record_failed"
)

// Custody is where one asset is received and who signs its payouts.
type Custody struct {
	ReceivingAddress string
	Signer           ledger.Signer
}

type PositionLocker interface {
	Acquire(ctx context.Context, position string) (func(context.Context) error, error)
}

type WithdrawalBacklog interface {
	Push(ctx context.Context, p store.PendingWithdrawal) error
}

type SettlementConfig struct {
	FeeRate decimal.Decimal
	Assets  amounts.Registry
	Custody map[string]Custody
}

// SettlementService runs deposits and withdrawals end to end. A withdrawal
// only mutates balances after its payout is confirmed on the ledger.
type SettlementService struct {
	store    *store.VaultStore
	ledger   ledger.Adapter
	verifier *DepositVerifier
	cfg      SettlementConfig
	locker   PositionLocker
	backlog  WithdrawalBacklog
	now      func() time.Time
}

func NewSettlementService(st *store.VaultStore, adapter ledger.Adapter, cfg SettlementConfig) *SettlementService {
	return &SettlementService{
		store:    st,
		ledger:   adapter,
		verifier: NewDepositVerifier(adapter),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *SettlementService) WithLocker(l PositionLocker) *SettlementService {
	s.locker = l
	return s
}

func (s *SettlementService) WithBacklog(b WithdrawalBacklog) *SettlementService {
	s.backlog = b
	return s
}

func (s *SettlementService) WithClock(now func() time.Time) *SettlementService {
	s.now = now
	return s
}

func (s *SettlementService) asset(token string) (amounts.Asset, error) {
	a, err := s.cfg.Assets.Lookup(token)
	if err != nil {
		return amounts.Asset{}, apperr.Validation("UNSUPPORTED_TOKEN", "token %q is not supported", token)
	}
	return a, nil
}

func validAmount(amount decimal.Decimal, asset amounts.Asset) error {
	if !amount.IsPositive() {
		return apperr.Validation("INVALID_AMOUNT", "amount must be greater than zero")
	}
	if !amounts.WithinPrecision(amount, asset) {
		return apperr.Validation("INVALID_AMOUNT", "%s supports at most %d decimal places", asset.Symbol, asset.Decimals)
	}
	return nil
}

type DepositRequest struct {
	UserID      string
	Token       string
	Amount      decimal.Decimal
	VaultPlanID string
	TxReference string
}

type DepositReceipt struct {
	VaultAddress    string          `json:"vault_address"`
	PlanName        string          `json:"plan_name"`
	APY             decimal.Decimal `json:"apy"`
	LockedUntil     time.Time       `json:"locked_until"`
	DepositedAmount decimal.Decimal `json:"deposited_amount"`
	Token           string          `json:"token"`
	TxHash          string          `json:"tx_hash"`
}

// Deposit verifies req.TxReference on the ledger and credits the position.
// Nothing is written unless verification succeeds.
func (s *SettlementService) Deposit(ctx context.Context, req DepositRequest) (*DepositReceipt, error) {
	log := logger.WithFields(logrus.Fields{
		"flow":    "deposit",
		"user_id": req.UserID,
		"tx_hash": req.TxReference,
		"token":   req.Token,
		"amount":  req.Amount.String(),
	})
	log.WithField("state", DepositRequested).Info("deposit requested")

	asset, err := s.asset(req.Token)
	if err != nil {
		return nil, err
	}
	if err := validAmount(req.Amount, asset); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.TxReference) == "" {
		return nil, apperr.Validation("MISSING_TX_HASH", "tx_hash is required")
	}

	plan, err := s.store.GetPlan(ctx, req.VaultPlanID)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, apperr.Validation("PLAN_INACTIVE", "vault plan %s is not active", plan.Name)
	}
	if req.Amount.LessThan(plan.MinDeposit) {
		return nil, apperr.Validation("BELOW_MIN_DEPOSIT", "minimum deposit for %s is %s", plan.Name, plan.MinDeposit)
	}

	account, err := s.store.GetAccount(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	custody, ok := s.cfg.Custody[asset.Symbol]
	if !ok || custody.ReceivingAddress == "" {
		return nil, apperr.New(apperr.KindStore, "VAULT_NOT_CONFIGURED", "no receiving address configured for %s", asset.Symbol)
	}

	now := s.now()
	lockedUntil := now.AddDate(0, 0, plan.MinLockDays)

	log.WithField("state", DepositLedgerVerifying).Debugf("verifying against %s", custody.ReceivingAddress)
	err = s.verifier.Verify(ctx, DepositClaim{
		TxReference: req.TxReference,
		Depositor:   account.Address,
		Receiver:    custody.ReceivingAddress,
		Asset:       asset,
		Amount:      req.Amount,
	})
	if err != nil {
		log.WithField("state", DepositLedgerRejected).Warnf("deposit not verified: %v", err)
		return nil, err
	}
	log.WithField("state", DepositLedgerVerified).Info("deposit verified on ledger")

	res, err := s.store.RecordDeposit(ctx, store.DepositRecord{
		UserID:           req.UserID,
		WalletAddress:    account.Address,
		PlanID:           plan.ID,
		PlanName:         plan.Name,
		YieldRate:        plan.APY,
		Token:            asset.Symbol,
		ReceivingAddress: custody.ReceivingAddress,
		Amount:           req.Amount,
		LockedUntil:      lockedUntil,
		TxHash:           req.TxReference,
		At:               now,
	})
	if err != nil {
		log.WithField("state", DepositRecordFailed).Errorf("verified deposit not recorded: %v", err)
		if apperr.KindOf(err) == apperr.KindConflict {
			return nil, err
		}
		e := apperr.Store(err, "DEPOSIT_NOT_RECORDED", "deposit %s was verified but not recorded; resubmit the same transaction", req.TxReference)
		e.TxHash = req.TxReference
		return nil, e
	}
	log.WithField("state", DepositRecorded).Info("deposit recorded")

	return &DepositReceipt{
		VaultAddress:    res.Vault.ReceivingAddress,
		PlanName:        plan.Name,
		APY:             plan.APY,
		LockedUntil:     res.UserVault.LockedUntil,
		DepositedAmount: req.Amount,
		Token:           asset.Symbol,
		TxHash:          req.TxReference,
	}, nil
}

type WithdrawRequest struct {
	UserID        string
	VaultPlanID   string
	Token         string
	Amount        decimal.Decimal
	PayoutAddress string
}

type WithdrawReceipt struct {
	TxHash    string          `json:"tx_hash"`
	Principal decimal.Decimal `json:"principal"`
	Reward    decimal.Decimal `json:"reward"`
	Fee       decimal.Decimal `json:"fee"`
	Total     decimal.Decimal `json:"total"`
	Locked    bool            `json:"locked"`
}

// Withdraw pays principal plus pro-rated reward, less the early-exit fee
// while locked, and records it. A payout that cannot be recorded is pushed
// to the reconciliation backlog and reported as a Reconciliation error.
func (s *SettlementService) Withdraw(ctx context.Context, req WithdrawRequest) (*WithdrawReceipt, error) {
	log := logger.WithFields(logrus.Fields{
		"flow":    "withdraw",
		"user_id": req.UserID,
		"plan_id": req.VaultPlanID,
		"token":   req.Token,
		"amount":  req.Amount.String(),
		"payout":  req.PayoutAddress,
	})
	log.WithField("state", WithdrawalRequested).Info("withdrawal requested")

	asset, err := s.asset(req.Token)
	if err != nil {
		return nil, err
	}
	if err := validAmount(req.Amount, asset); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.PayoutAddress) == "" {
		return nil, apperr.Validation("MISSING_WALLET_ADDRESS", "wallet_address is required")
	}
	custody, ok := s.cfg.Custody[asset.Symbol]
	if !ok || custody.Signer == nil {
		return nil, apperr.New(apperr.KindStore, "VAULT_NOT_CONFIGURED", "no custody signer configured for %s", asset.Symbol)
	}

	vault, err := s.store.GetVaultByPlanAndToken(ctx, req.VaultPlanID, asset.Symbol)
	if err != nil {
		return nil, err
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, PositionKey(req.UserID, vault.ID))
		if err != nil {
			if errors.Is(err, store.ErrLockTimeout) {
				return nil, apperr.New(apperr.KindConflict, "WITHDRAWAL_IN_PROGRESS", "another withdrawal from this vault is in progress")
			}
			return nil, apperr.Store(err, "LOCK_UNAVAILABLE", "could not lock position")
		}
		defer func() {
			if err := release(context.Background()); err != nil {
				log.Warnf("release position lock: %v", err)
			}
		}()
	}

	uv, err := s.store.GetUserVault(ctx, req.UserID, vault.ID)
	if err != nil {
		return nil, err
	}
	if req.Amount.GreaterThan(uv.Amount) {
		return nil, apperr.InsufficientBalance("requested %s but position holds %s", req.Amount, uv.Amount)
	}

	now := s.now()
	log.WithField("state", WithdrawalComputing).Debug("computing settlement")
	fullReward := amounts.AccruedReward(uv.Amount, vault.YieldRate, uv.CreatedAt, now)
	reward := amounts.ProratedReward(fullReward, req.Amount, uv.Amount)
	settled, err := amounts.Settle(req.Amount, reward, uv.IsLocked(now), s.cfg.FeeRate, asset)
	if err != nil {
		return nil, apperr.Validation("INVALID_AMOUNT", "settle %s: %v", req.Amount, err)
	}
	if settled.BaseUnits == 0 {
		return nil, apperr.Validation("AMOUNT_TOO_SMALL", "payout rounds to zero %s", asset.Symbol)
	}
	log = log.WithFields(logrus.Fields{
		"reward": settled.Reward.String(),
		"fee":    settled.Fee.String(),
		"net":    settled.Net.String(),
		"locked": settled.Locked,
	})

	log.WithField("state", WithdrawalPaying).Info("sending payout")
	signature, err := s.pay(ctx, custody.Signer, req.PayoutAddress, asset, settled.BaseUnits)
	if err != nil {
		log.WithField("state", WithdrawalPaymentFailed).Errorf("payout failed: %v", err)
		return nil, err
	}
	log = log.WithField("signature", signature)
	log.WithField("state", WithdrawalPaid).Info("payout confirmed")

	record := store.WithdrawalRecord{
		UserID:           req.UserID,
		UserVaultID:      uv.ID,
		VaultID:          vault.ID,
		Token:            asset.Symbol,
		WalletAddress:    req.PayoutAddress,
		ReceivingAddress: vault.ReceivingAddress,
		Principal:        settled.Principal,
		Reward:           settled.Reward,
		Fee:              settled.Fee,
		Net:              settled.Net,
		TxHash:           signature,
		At:               now,
	}
	if _, err := s.RecordPaidWithdrawal(ctx, record); err != nil {
		log.WithField("state", WithdrawalRecordFailed).Errorf("PAID BUT NOT RECORDED: %v", err)
		s.enqueue(ctx, record, err)
		return nil, apperr.Reconciliation(err, signature, "payout %s was sent but not recorded", signature)
	}
	log.WithField("state", WithdrawalRecorded).Info("withdrawal recorded")

	return &WithdrawReceipt{
		TxHash:    signature,
		Principal: settled.Principal,
		Reward:    settled.Reward,
		Fee:       settled.Fee,
		Total:     settled.Net,
		Locked:    settled.Locked,
	}, nil
}

// pay builds, signs, broadcasts and confirms the payout of units to payout.
func (s *SettlementService) pay(ctx context.Context, signer ledger.Signer, payout string, asset amounts.Asset, units uint64) (string, error) {
	var instructions []ledger.Instruction
	if asset.Native {
		instructions = append(instructions, ledger.NativeTransfer{
			Source:      signer.Address(),
			Destination: payout,
			Amount:      units,
		})
	} else {
		source, err := s.ledger.ResolveAssetSubAccount(signer.Address(), asset.Mint)
		if err != nil {
			return "", apperr.Wrap(err, apperr.KindLedgerBroadcast, "PAYOUT_NOT_SENT", "custody has no %s sub-account", asset.Symbol)
		}
		dest, err := s.ledger.ResolveAssetSubAccount(payout, asset.Mint)
		if err != nil {
			return "", apperr.Validation("INVALID_WALLET_ADDRESS", "wallet %s cannot hold %s", payout, asset.Symbol)
		}
		exists, err := s.ledger.AccountExists(ctx, dest)
		if err != nil {
			return "", apperr.Wrap(err, apperr.KindLedgerUnavailable, "LEDGER_UNAVAILABLE", "check sub-account %s", dest)
		}
		if !exists {
			instructions = append(instructions, ledger.CreateSubAccount{
				Payer: signer.Address(),
				Owner: payout,
				Mint:  asset.Mint,
			})
		}
		instructions = append(instructions, ledger.TokenTransfer{
			Source:      source,
			Destination: dest,
			Authority:   signer.Address(),
			Mint:        asset.Mint,
			Amount:      units,
			Decimals:    uint8(asset.Decimals),
		})
	}

	ref, err := s.ledger.GetLatestReferenceBlock(ctx)
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindLedgerUnavailable, "LEDGER_UNAVAILABLE", "fetch reference block")
	}
	signature, err := s.ledger.SignAndBroadcast(ctx, ref, instructions, signer)
	if err != nil {
		if signature == "" {
			return "", apperr.Wrap(err, apperr.KindLedgerBroadcast, "PAYOUT_NOT_SENT", "broadcast payout")
		}
		// Signed but unacknowledged: only the ledger knows whether it landed.
		logger.WithField("signature", signature).Warnf("broadcast failed, checking ledger: %v", err)
	}
	if err := s.ledger.Confirm(ctx, signature); err != nil {
		e := apperr.Wrap(err, apperr.KindLedgerBroadcast, "PAYOUT_NOT_CONFIRMED", "payout %s not confirmed", signature)
		e.TxHash = signature
		return "", e
	}
	return signature, nil
}

func (s *SettlementService) enqueue(ctx context.Context, record store.WithdrawalRecord, cause error) {
	if s.backlog == nil {
		return
	}
	pending := store.PendingWithdrawal{
		Record:        record,
		Attempts:      1,
		FirstFailedAt: s.now(),
		LastError:     cause.Error(),
	}
	// The request context may already be cancelled; the backlog write must still happen.
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.backlog.Push(pushCtx, pending); err != nil {
		logger.WithFields(logrus.Fields{
			"signature":     record.TxHash,
			"user_id":       record.UserID,
			"user_vault_id": record.UserVaultID,
			"principal":     record.Principal.String(),
			"net":           record.Net.String(),
		}).Errorf("reconciliation backlog unavailable, record manually: %v", err)
	}
}

// RecordPaidWithdrawal records a payout whose signature is already known.
// It is safe to call repeatedly for the same signature.
func (s *SettlementService) RecordPaidWithdrawal(ctx context.Context, record store.WithdrawalRecord) (*store.WithdrawalResult, error) {
	if record.TxHash == "" {
		return nil, apperr.Validation("MISSING_TX_HASH", "payout signature is required")
	}
	res, err := s.store.RecordWithdrawal(ctx, record)
	if err != nil {
		return nil, err
	}
	if res.AlreadyRecorded {
		logger.Infof("withdrawal %s was already recorded", record.TxHash)
	}
	return res, nil
}

func (s *SettlementService) WithdrawOptions(ctx context.Context, userID string) ([]store.WithdrawOption, error) {
	if userID == "" {
		return nil, apperr.Validation("MISSING_USER", "user id is required")
	}
	return s.store.WithdrawOptions(ctx, userID)
}

// PositionKey identifies a position in locks and logs.
func PositionKey(userID, vaultID string) string {
	return fmt.Sprintf("%s:%s", userID, vaultID)
}
