package payment

import (
	"context"
	"errors"
	"time"

	"paygate-engine/pkg/config"
	"paygate-engine/pkg/coordstore"
	"paygate-engine/pkg/db/option"
	"paygate-engine/pkg/errutil"
	"paygate-engine/pkg/lock"
	"paygate-engine/pkg/rediskey"
	"paygate-engine/pkg/retry"
	"paygate-engine/pkg/solana"
	"paygate-engine/pkg/task"
	"paygate-engine/services/action"
	"paygate-engine/services/run"
	settlementtask "paygate-engine/services/settlement/task"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// nonceTTL bounds the Redis replay pre-filter. The unique signature index on
// runs remains authoritative long after the nonce expires.
const nonceTTL = 24 * time.Hour

// errNotConfirmed marks an outcome that may still land; the verification
// retry loop keeps polling on it.
var errNotConfirmed = errors.New("transaction not yet confirmed")

// EntryCreator hooks the pooled-reward engine into admission: for lottery
// actions the entry is created inside the same transaction that marks the
// run paid, so a paid run can never be missing its entry.
type EntryCreator interface {
	EnterInTx(ctx context.Context, tx *gorm.DB, a *action.Action, r *run.Run, payer string) error
}

type EntryCreatorFunc func(ctx context.Context, tx *gorm.DB, a *action.Action, r *run.Run, payer string) error

func (f EntryCreatorFunc) EnterInTx(ctx context.Context, tx *gorm.DB, a *action.Action, r *run.Run, payer string) error {
	return f(ctx, tx, a, r, payer)
}

type Service struct {
	db      *gorm.DB
	locker  lock.Locker
	store   coordstore.Store
	ledger  solana.Client
	runs    *run.Service
	actions *action.Service
	entries EntryCreator
	invoker Invoker
	enq     task.Enqueuer
	policy  retry.Policy

	lockTTL     time.Duration
	lockMaxWait time.Duration
}

type Params struct {
	fx.In
	DB      *gorm.DB
	Locker  lock.Locker
	Store   coordstore.Store
	Ledger  solana.Client
	Runs    *run.Service
	Actions *action.Service
	Entries EntryCreator
	Invoker Invoker
	Enq     task.Enqueuer
	Config  *config.Config
}

func NewService(p Params) *Service {
	return &Service{
		db:          p.DB,
		locker:      p.Locker,
		store:       p.Store,
		ledger:      p.Ledger,
		runs:        p.Runs,
		actions:     p.Actions,
		entries:     p.Entries,
		invoker:     p.Invoker,
		enq:         p.Enq,
		policy:      retry.Policy{MaxAttempts: p.Config.Retry.MaxAttempts, BaseDelay: p.Config.Retry.BaseDelay},
		lockTTL:     p.Config.Payment.LockTTL,
		lockMaxWait: p.Config.Payment.LockMaxWait,
	}
}

// Intent is the payable description handed to a caller: the pending run plus
// an unsigned transfer whose memo carries the run reference.
type Intent struct {
	Run      *run.Run                 `json:"run"`
	Transfer *solana.UnsignedTransfer `json:"transfer"`
}

// CreateIntent opens a pending run for the action and builds the transfer
// the caller must sign and broadcast before confirming.
func (s *Service) CreateIntent(ctx context.Context, actionID, payer string, metadata map[string]interface{}) (*Intent, error) {
	a, err := s.actions.GetActive(ctx, actionID)
	if err != nil {
		return nil, err
	}

	r, err := s.runs.Create(ctx, a, metadata)
	if err != nil {
		return nil, err
	}

	transfer, err := s.ledger.BuildTransfer(ctx, payer, uint64(a.PriceLamports), r.Reference)
	if err != nil {
		return nil, errutil.Unavailable("failed to build payment transaction", err)
	}

	zap.L().Info("payment intent created",
		zap.String("reference", r.Reference),
		zap.String("action_id", a.ID),
		zap.Int64("price_lamports", a.PriceLamports),
	)

	return &Intent{Run: r, Transfer: transfer}, nil
}

// Admit verifies a broadcast payment against the run's reference and, when
// everything checks out, atomically moves the run to paid and triggers the
// action's effect. Admissions for one reference are serialized behind the
// fair lock; a second admission of an already-paid reference is rejected, so
// exactly one caller ever sees the transition succeed.
func (s *Service) Admit(ctx context.Context, reference, signature string) (*run.Run, error) {
	if signature == "" {
		return nil, errutil.ValidationFailed("transaction signature is required", nil)
	}

	a, admitted, err := s.admitUnderLock(ctx, reference, signature)
	if err != nil {
		return nil, err
	}

	// Swap runs stay paid; nudge the settlement worker so the swap does not
	// wait for the next scheduled pass. The scheduler is the backstop if
	// this enqueue is lost.
	if a.Type == action.TypeSwap {
		if _, err := s.enq.Enqueue(ctx, settlementtask.NewSettleRunsTask()); err != nil {
			zap.L().Warn("failed to enqueue settlement pass",
				zap.String("reference", reference),
				zap.Error(err),
			)
		}
		return admitted, nil
	}

	// Direct actions execute immediately.
	if a.Type == action.TypeDirect {
		result := s.invoker.Invoke(ctx, a, admitted)
		completed, err := s.runs.Complete(ctx, reference, result)
		if err != nil {
			zap.L().Error("failed to record run outcome",
				zap.String("reference", reference),
				zap.Error(err),
			)
			return admitted, nil
		}
		return completed, nil
	}

	return admitted, nil
}

// admitUnderLock performs the serialized portion of admission. The fair lock
// is released once the paid transition commits; the gated effect (endpoint
// invocation, settlement nudge) runs after release so a slow endpoint cannot
// outlive the lock TTL.
func (s *Service) admitUnderLock(ctx context.Context, reference, signature string) (*action.Action, *run.Run, error) {
	key := rediskey.PaymentLock(reference)
	token, err := s.locker.Acquire(ctx, key, s.lockTTL, s.lockMaxWait)
	if err != nil {
		return nil, nil, err
	}
	defer s.locker.Release(ctx, key, token)

	r, err := s.runs.GetByReference(ctx, reference)
	if err != nil {
		return nil, nil, err
	}

	switch r.Status {
	case run.StatusPaid, run.StatusExecuted:
		if r.Signature != nil && *r.Signature == signature {
			return nil, nil, errutil.Conflict("payment already processed", nil)
		}
		return nil, nil, errutil.Conflict("run already paid with a different transaction", nil)
	case run.StatusFailed:
		return nil, nil, errutil.UnprocessableEntity("payment window has expired", nil)
	}

	a, err := s.actions.Get(ctx, r.ActionID)
	if err != nil {
		return nil, nil, err
	}

	if err := s.checkNonce(ctx, reference, signature); err != nil {
		return nil, nil, err
	}

	outcome, err := s.verifyTransfer(ctx, a, reference, signature)
	if err != nil {
		return nil, nil, err
	}

	admitted, err := s.markPaid(ctx, a, reference, signature, outcome)
	if err != nil {
		return nil, nil, err
	}

	zap.L().Info("payment admitted",
		zap.String("reference", reference),
		zap.String("action_id", a.ID),
		zap.String("action_type", string(a.Type)),
		zap.String("signature", signature),
		zap.Uint64("lamports", outcome.Lamports),
	)
	return a, admitted, nil
}

// checkNonce is a cheap replay filter: the first admission binds the
// signature to its reference in Redis. A retried admission of the same
// reference passes; a different reference presenting the same signature only
// gets rejected here when a stored run actually claims the signature. A
// nonce can be planted by an admission that later failed verification, so
// Redis alone never rejects. The run ledger stays authoritative both ways,
// and Redis loss is harmless.
func (s *Service) checkNonce(ctx context.Context, reference, signature string) error {
	nonceKey := rediskey.SignatureNonce(signature)
	fresh, err := s.store.SetIfAbsent(ctx, nonceKey, reference, nonceTTL)
	if err != nil {
		zap.L().Warn("signature nonce check unavailable", zap.Error(err))
		return nil
	}
	if fresh {
		return nil
	}

	owner, ok, err := s.store.Get(ctx, nonceKey)
	if err != nil || !ok || owner == reference {
		return nil
	}

	var claimed int64
	if err := s.db.WithContext(ctx).Model(&run.Run{}).
		Where("signature = ?", signature).
		Count(&claimed).Error; err != nil {
		zap.L().Warn("signature claim check unavailable", zap.Error(err))
		return nil
	}
	if claimed > 0 {
		return errutil.Conflict("transaction signature already used", nil)
	}
	return nil
}

// verifyTransfer polls the ledger for the signature and validates the landed
// transfer against the run: confirmed, paid to the treasury, memo matching
// the reference, amount covering the price.
func (s *Service) verifyTransfer(ctx context.Context, a *action.Action, reference, signature string) (*solana.TransferOutcome, error) {
	var outcome *solana.TransferOutcome
	err := s.policy.Do(ctx, "payment.verify", func() error {
		o, err := s.ledger.GetTransferOutcome(ctx, signature)
		if err != nil {
			return err
		}
		if !o.Found || !o.Confirmed {
			return errNotConfirmed
		}
		outcome = o
		return nil
	})
	if err != nil {
		return nil, errutil.UnprocessableEntity("payment not confirmed on ledger", err)
	}

	if outcome.Failed {
		return nil, errutil.UnprocessableEntity("payment transaction failed on ledger", nil)
	}
	if outcome.Reference != reference {
		return nil, errutil.UnprocessableEntity("payment memo does not match run reference", nil)
	}
	if outcome.Recipient != s.ledger.TreasuryAddress() {
		return nil, errutil.UnprocessableEntity("payment was not sent to the treasury", nil)
	}
	if outcome.Lamports < uint64(a.PriceLamports) {
		return nil, errutil.UnprocessableEntity("payment amount below action price", nil)
	}

	return outcome, nil
}

// markPaid performs the atomic admission: under a row lock it re-checks that
// the run is still pending and the signature unclaimed, records the payment,
// and creates the lottery entry when the action pools rewards. Everything
// commits or nothing does.
func (s *Service) markPaid(ctx context.Context, a *action.Action, reference, signature string, outcome *solana.TransferOutcome) (*run.Run, error) {
	var admitted *run.Run
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row run.Run
		if err := option.LockingUpdate(tx).Where("reference = ?", reference).First(&row).Error; err != nil {
			return errutil.Internal("failed to load run", err)
		}
		if row.Status != run.StatusPending {
			return errutil.Conflict("run is no longer pending", nil)
		}

		var claimed int64
		if err := tx.Model(&run.Run{}).
			Where("signature = ? AND reference <> ?", signature, reference).
			Count(&claimed).Error; err != nil {
			return errutil.Internal("failed to check signature reuse", err)
		}
		if claimed > 0 {
			return errutil.Conflict("transaction signature already used", nil)
		}

		now := time.Now().UTC()
		row.Status = run.StatusPaid
		row.Signature = &signature
		row.Payer = &outcome.Payer
		row.PaidAt = &now
		if err := row.MergeMetadata(map[string]interface{}{
			"paid_slot":     outcome.Slot,
			"paid_lamports": outcome.Lamports,
		}); err != nil {
			return errutil.Internal("failed to merge payment metadata", err)
		}

		if err := tx.Save(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errutil.Conflict("transaction signature already used", err)
			}
			return errutil.Internal("failed to mark run paid", err)
		}

		if a.Type == action.TypeLottery {
			if err := s.entries.EnterInTx(ctx, tx, a, &row, outcome.Payer); err != nil {
				return err
			}
		}

		admitted = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return admitted, nil
}
