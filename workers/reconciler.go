package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"vault-settlement-system/logger"
	"vault-settlement-system/store"
)

type Backlog interface {
	Push(ctx context.Context, p store.PendingWithdrawal) error
	Pop(ctx context.Context) (*store.PendingWithdrawal, error)
	Len(ctx context.Context) (int64, error)
}

type WithdrawalRecorder interface {
	RecordPaidWithdrawal(ctx context.Context, record store.WithdrawalRecord) (*store.WithdrawalResult, error)
}

// IncidentArchiver stores entries the reconciler gave up on.
type IncidentArchiver interface {
	Archive(ctx context.Context, key string, v interface{}) error
}

// Reconciler retries recording payouts that were confirmed on the ledger
// but failed to persist. Entries that keep failing are archived and left
// for an operator.
type Reconciler struct {
	backlog     Backlog
	recorder    WithdrawalRecorder
	archiver    IncidentArchiver
	maxAttempts int
	now         func() time.Time
}

func NewReconciler(backlog Backlog, recorder WithdrawalRecorder, maxAttempts int) *Reconciler {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Reconciler{
		backlog:     backlog,
		recorder:    recorder,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) WithArchiver(a IncidentArchiver) *Reconciler {
	r.archiver = a
	return r
}

// RunOnce drains at most the entries present when it starts, so entries it
// re-queues are not retried within the same pass.
func (r *Reconciler) RunOnce(ctx context.Context) (recorded int, err error) {
	n, err := r.backlog.Len(ctx)
	if err != nil {
		return 0, fmt.Errorf("read backlog length: %w", err)
	}
	for i := int64(0); i < n; i++ {
		p, err := r.backlog.Pop(ctx)
		if err != nil {
			return recorded, fmt.Errorf("pop backlog: %w", err)
		}
		if p == nil {
			break
		}

		log := logger.WithFields(logrus.Fields{
			"signature":     p.Record.TxHash,
			"user_id":       p.Record.UserID,
			"user_vault_id": p.Record.UserVaultID,
			"attempts":      p.Attempts,
		})

		res, recErr := r.recorder.RecordPaidWithdrawal(ctx, p.Record)
		if recErr == nil {
			recorded++
			if res != nil && res.AlreadyRecorded {
				log.Info("reconciled withdrawal was already recorded")
			} else {
				log.Info("✅ reconciled paid withdrawal")
			}
			continue
		}

		p.Attempts++
		p.LastError = recErr.Error()
		if p.Attempts >= r.maxAttempts {
			log.Errorf("🚨 giving up on paid withdrawal after %d attempts: %v", p.Attempts, recErr)
			r.archive(ctx, p)
			continue
		}
		log.Warnf("withdrawal still unrecorded: %v", recErr)
		if err := r.backlog.Push(ctx, *p); err != nil {
			log.Errorf("🚨 could not re-queue paid withdrawal, record manually: %v", err)
			r.archive(ctx, p)
		}
	}
	return recorded, nil
}

func (r *Reconciler) archive(ctx context.Context, p *store.PendingWithdrawal) {
	if r.archiver == nil {
		return
	}
	key := fmt.Sprintf("incidents/withdrawals/%s/%s.json", r.now().Format("2006-01-02"), p.Record.TxHash)
	if err := r.archiver.Archive(ctx, key, p); err != nil {
		logger.Errorf("archive incident %s: %v", key, err)
	}
}

// Start schedules RunOnce every interval. Shut the returned scheduler down
// to stop it.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			n, err := r.RunOnce(ctx)
			if err != nil {
				logger.Errorf("[Reconciler] %v", err)
				return
			}
			if n > 0 {
				logger.Infof("[Reconciler] recorded %d withdrawal(s)", n)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}
	sched.Start()
	return sched, nil
}
