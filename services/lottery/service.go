package lottery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paygate-engine/pkg/config"
	"paygate-engine/pkg/db/option"
	"paygate-engine/pkg/errutil"
	"paygate-engine/pkg/lock"
	"paygate-engine/pkg/rediskey"
	"paygate-engine/pkg/repository"
	"paygate-engine/pkg/retry"
	"paygate-engine/pkg/solana"
	"paygate-engine/services/action"
	"paygate-engine/services/run"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	locker   lock.Locker
	ledger   solana.Client
	strategy Strategy
	policy   retry.Policy

	rounds  repository.Repository[Round]
	entries repository.Repository[Entry]
	winners repository.Repository[Winner]

	lockTTL     time.Duration
	lockMaxWait time.Duration
	payoutBatch int
}

type Params struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Locker lock.Locker
	Ledger solana.Client
	Config *config.Config
}

func NewService(p Params) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		locker:      p.Locker,
		ledger:      p.Ledger,
		strategy:    SeededDraw{},
		policy:      retry.Policy{MaxAttempts: p.Config.Retry.MaxAttempts, BaseDelay: p.Config.Retry.BaseDelay},
		rounds:      repository.ProvideStore[Round](p.DB),
		entries:     repository.ProvideStore[Entry](p.DB),
		winners:     repository.ProvideStore[Winner](p.DB),
		lockTTL:     p.Config.Payment.LockTTL,
		lockMaxWait: p.Config.Payment.LockMaxWait,
		payoutBatch: p.Config.Worker.PayoutBatchSize,
	}
}

// EnterInTx converts a just-paid run into a round entry inside the caller's
// admission transaction, so there is no window where a run is paid but its
// entry is not guaranteed. The unique run id index makes a retried call a
// rejected duplicate, never a second entry.
func (s *Service) EnterInTx(ctx context.Context, tx *gorm.DB, a *action.Action, r *run.Run, payer string) (*Entry, error) {
	round, err := s.activeRoundInTx(ctx, tx, a)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:          s.node.Generate().String(),
		RoundID:     round.ID,
		RunID:       r.ID,
		Payer:       payer,
		FeeLamports: a.PriceLamports,
		CreatedAt:   time.Now().UTC(),
	}
	if err := tx.Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict("run already entered in a round", err)
		}
		return nil, errutil.Internal("failed to create entry", err)
	}

	if err := tx.Model(&Round{}).Where("id = ?", round.ID).Updates(map[string]interface{}{
		"entry_count":   gorm.Expr("entry_count + 1"),
		"pool_lamports": gorm.Expr("pool_lamports + ?", a.PriceLamports),
	}).Error; err != nil {
		return nil, errutil.Internal("failed to grow round pool", err)
	}

	return entry, nil
}

// activeRoundInTx finds the action's active round under a row lock, lazily
// creating round max(number)+1 when none exists. Concurrent creators collide
// on the (action, number) unique index; the loser re-reads the winner's row.
func (s *Service) activeRoundInTx(ctx context.Context, tx *gorm.DB, a *action.Action) (*Round, error) {
	for attempt := 0; attempt < 3; attempt++ {
		var round Round
		err := option.LockingUpdate(tx.WithContext(ctx)).
			Where("action_id = ? AND status = ?", a.ID, RoundActive).
			First(&round).Error
		if err == nil {
			return &round, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.Internal("failed to load active round", err)
		}

		var last Round
		nextNumber := int64(1)
		err = tx.WithContext(ctx).
			Where("action_id = ?", a.ID).
			Order("number DESC").
			First(&last).Error
		if err == nil {
			nextNumber = last.Number + 1
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.Internal("failed to read last round", err)
		}

		now := time.Now().UTC()
		round = Round{
			ID:        s.node.Generate().String(),
			ActionID:  a.ID,
			Number:    nextNumber,
			Status:    RoundActive,
			StartedAt: now,
			ClosesAt:  now.Add(a.RoundDuration),
			CreatedAt: now,
		}
		res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&round)
		if res.Error != nil {
			return nil, errutil.Internal("failed to create round", res.Error)
		}
		if res.RowsAffected > 0 {
			return &round, nil
		}
		// Someone else created this number first; loop and pick up theirs.
	}
	return nil, errutil.Unavailable("could not settle on an active round", nil)
}

// CloseDueRounds closes every active round whose window has elapsed and runs
// winner selection exactly once per round. Idempotent under overlapping
// scheduler ticks.
func (s *Service) CloseDueRounds(ctx context.Context, now time.Time) (int, error) {
	due, err := s.rounds.Find(ctx, &Round{Status: RoundActive})
	if err != nil {
		return 0, errutil.Internal("failed to list active rounds", err)
	}

	closed := 0
	for _, round := range due {
		if round.ClosesAt.After(now) {
			continue
		}
		if err := s.closeRound(ctx, round.ID); err != nil {
			zap.L().Error("failed to close round",
				zap.String("round_id", round.ID),
				zap.Int64("number", round.Number),
				zap.Error(err),
			)
			continue
		}
		closed++
	}
	return closed, nil
}

func (s *Service) closeRound(ctx context.Context, roundID string) error {
	// The fair lock keeps two worker processes off the same round; the
	// transactional status re-check below is what actually guarantees a
	// single close.
	token, err := s.locker.Acquire(ctx, rediskey.RoundCloseLock(roundID), s.lockTTL, s.lockMaxWait)
	if err != nil {
		return err
	}
	defer s.locker.Release(ctx, rediskey.RoundCloseLock(roundID), token)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var round Round
		if err := option.LockingUpdate(tx).Where("id = ?", roundID).First(&round).Error; err != nil {
			return errutil.Internal("failed to load round", err)
		}
		if round.Status != RoundActive {
			// Another tick already closed it.
			return nil
		}

		var entries []*Entry
		if err := tx.Where("round_id = ?", round.ID).Order("id ASC").Find(&entries).Error; err != nil {
			return errutil.Internal("failed to load entries", err)
		}

		now := time.Now().UTC()
		round.Status = RoundClosed
		round.EndedAt = &now
		round.EntryCount = int64(len(entries))

		var pool int64
		for _, e := range entries {
			pool += e.FeeLamports
		}
		round.PoolLamports = pool

		picks := s.strategy.Draw(&round, entries)
		if len(picks) > 0 {
			round.DrawnAt = &now
		} else {
			// No entries, nothing to pay out.
			round.Status = RoundDistributed
		}

		if err := tx.Save(&round).Error; err != nil {
			return errutil.Internal("failed to close round", err)
		}

		for _, pick := range picks {
			w := &Winner{
				ID:             s.node.Generate().String(),
				RoundID:        round.ID,
				Address:        pick.Address,
				AmountLamports: pick.AmountLamports,
				Rank:           pick.Rank,
				Status:         PayoutPending,
				CreatedAt:      now,
			}
			if err := tx.Create(w).Error; err != nil {
				return errutil.Internal("failed to create winner", err)
			}
		}

		zap.L().Info("round closed",
			zap.String("round_id", round.ID),
			zap.Int64("number", round.Number),
			zap.Int64("entries", round.EntryCount),
			zap.Int64("pool_lamports", round.PoolLamports),
			zap.Int("winners", len(picks)),
		)
		return nil
	})
}

// payoutStaleAfter bounds how long a payout may sit in processing before it
// is treated as abandoned by a dead worker.
const payoutStaleAfter = 10 * time.Minute

// ProcessPayouts advances pending winner payouts: claim, broadcast a custody
// transfer, record the signature or the failure. Failed payouts stay visible
// for manual re-drive.
func (s *Service) ProcessPayouts(ctx context.Context) error {
	s.reclaimStalePayouts(ctx)

	pending, err := s.winners.Find(ctx, &Winner{Status: PayoutPending},
		option.WithSortBy(option.QuerySortBy{Field: "created_at"}),
		option.WithLimit(s.payoutBatch),
	)
	if err != nil {
		return errutil.Internal("failed to list pending payouts", err)
	}

	for _, w := range pending {
		s.payWinner(ctx, w)
	}
	return nil
}

// reclaimStalePayouts fails winners a crashed worker left in processing. The
// transfer may or may not have been broadcast, so they go to failed for
// manual re-drive rather than back to pending, which could pay twice. Their
// rounds can then still reach distributed.
func (s *Service) reclaimStalePayouts(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-payoutStaleAfter)

	stale, err := s.winners.Find(ctx, &Winner{Status: PayoutProcessing})
	if err != nil {
		zap.L().Error("failed to list processing payouts", zap.Error(err))
		return
	}

	for _, w := range stale {
		if w.ClaimedAt != nil && w.ClaimedAt.After(cutoff) {
			continue
		}
		res := s.db.WithContext(ctx).Model(&Winner{}).
			Where("id = ? AND status = ?", w.ID, PayoutProcessing).
			Update("status", PayoutFailed)
		if res.Error != nil || res.RowsAffected == 0 {
			continue
		}
		zap.L().Error("payout abandoned in processing, marked failed for manual re-drive",
			zap.String("winner_id", w.ID),
			zap.String("round_id", w.RoundID),
			zap.Int64("amount_lamports", w.AmountLamports),
		)
		s.markDistributedIfDone(ctx, w.RoundID)
	}
}

func (s *Service) payWinner(ctx context.Context, w *Winner) {
	// Guarded claim so two payout workers cannot both broadcast.
	claim := s.db.WithContext(ctx).Model(&Winner{}).
		Where("id = ? AND status = ?", w.ID, PayoutPending).
		Updates(map[string]interface{}{
			"status":     PayoutProcessing,
			"claimed_at": time.Now().UTC(),
		})
	if claim.Error != nil || claim.RowsAffected == 0 {
		return
	}

	memo := fmt.Sprintf("lottery-payout:%s:rank-%d", w.RoundID, w.Rank)
	var signature string
	err := s.policy.Do(ctx, "payout.broadcast", func() error {
		var payErr error
		signature, payErr = s.ledger.Pay(ctx, w.Address, uint64(w.AmountLamports), memo)
		return payErr
	})

	now := time.Now().UTC()
	if err != nil {
		zap.L().Error("winner payout failed",
			zap.String("winner_id", w.ID),
			zap.String("round_id", w.RoundID),
			zap.Int64("amount_lamports", w.AmountLamports),
			zap.Error(err),
		)
		s.db.WithContext(ctx).Model(&Winner{}).
			Where("id = ?", w.ID).
			Update("status", PayoutFailed)
	} else {
		s.db.WithContext(ctx).Model(&Winner{}).
			Where("id = ?", w.ID).
			Updates(map[string]interface{}{
				"status":           PayoutCompleted,
				"payout_signature": signature,
				"completed_at":     now,
			})
		zap.L().Info("winner paid",
			zap.String("winner_id", w.ID),
			zap.Int("rank", w.Rank),
			zap.Int64("amount_lamports", w.AmountLamports),
			zap.String("signature", signature),
		)
	}

	s.markDistributedIfDone(ctx, w.RoundID)
}

// markDistributedIfDone flips a closed round to distributed once every
// winner has reached a terminal payout state.
func (s *Service) markDistributedIfDone(ctx context.Context, roundID string) {
	var open int64
	if err := s.db.WithContext(ctx).Model(&Winner{}).
		Where("round_id = ? AND status IN ?", roundID, []PayoutStatus{PayoutPending, PayoutProcessing}).
		Count(&open).Error; err != nil || open > 0 {
		return
	}

	s.db.WithContext(ctx).Model(&Round{}).
		Where("id = ? AND status = ?", roundID, RoundClosed).
		Update("status", RoundDistributed)
}

// RoundSummary is the caller-visible view of a round. NextDrawAt is display
// only; closing is driven by the scheduler, not by wall-clock math here.
type RoundSummary struct {
	RoundID      string      `json:"round_id"`
	Number       int64       `json:"number"`
	Status       RoundStatus `json:"status"`
	StartedAt    time.Time   `json:"started_at"`
	NextDrawAt   *time.Time  `json:"next_draw_at,omitempty"`
	EntryCount   int64       `json:"entry_count"`
	PoolLamports int64       `json:"pool_lamports"`
}

// CurrentRound returns the action's active round, or nil when no entry has
// opened one yet.
func (s *Service) CurrentRound(ctx context.Context, actionID string) (*RoundSummary, error) {
	round, err := s.rounds.FindOne(ctx, &Round{ActionID: actionID, Status: RoundActive})
	if err != nil {
		return nil, errutil.Internal("failed to load current round", err)
	}
	if round == nil {
		return nil, nil
	}

	next := round.ClosesAt
	return &RoundSummary{
		RoundID:      round.ID,
		Number:       round.Number,
		Status:       round.Status,
		StartedAt:    round.StartedAt,
		NextDrawAt:   &next,
		EntryCount:   round.EntryCount,
		PoolLamports: round.PoolLamports,
	}, nil
}

// History lists finished rounds, newest first.
func (s *Service) History(ctx context.Context, actionID string, limit int) ([]*Round, error) {
	var rounds []*Round
	err := s.db.WithContext(ctx).
		Where("action_id = ? AND status IN ?", actionID, []RoundStatus{RoundClosed, RoundDistributed}).
		Order("number DESC").
		Limit(limit).
		Find(&rounds).Error
	if err != nil {
		return nil, errutil.Internal("failed to load round history", err)
	}
	return rounds, nil
}

// RoundWinners lists payouts for one round ordered by rank.
func (s *Service) RoundWinners(ctx context.Context, roundID string) ([]*Winner, error) {
	return s.winners.Find(ctx, &Winner{RoundID: roundID},
		option.WithSortBy(option.QuerySortBy{Field: "rank"}),
	)
}

// Stats aggregates an action's lottery activity for the read surface.
type Stats struct {
	Rounds           int64 `json:"rounds"`
	Entries          int64 `json:"entries"`
	PaidOutLamports  int64 `json:"paid_out_lamports"`
	CompletedPayouts int64 `json:"completed_payouts"`
}

func (s *Service) ActionStats(ctx context.Context, actionID string) (*Stats, error) {
	stats := &Stats{}

	if err := s.db.WithContext(ctx).Model(&Round{}).
		Where("action_id = ?", actionID).
		Count(&stats.Rounds).Error; err != nil {
		return nil, errutil.Internal("failed to count rounds", err)
	}

	if err := s.db.WithContext(ctx).Model(&Entry{}).
		Joins("JOIN lottery_rounds ON lottery_rounds.id = lottery_entries.round_id").
		Where("lottery_rounds.action_id = ?", actionID).
		Count(&stats.Entries).Error; err != nil {
		return nil, errutil.Internal("failed to count entries", err)
	}

	row := s.db.WithContext(ctx).Model(&Winner{}).
		Joins("JOIN lottery_rounds ON lottery_rounds.id = lottery_winners.round_id").
		Where("lottery_rounds.action_id = ? AND lottery_winners.status = ?", actionID, PayoutCompleted).
		Select("COUNT(*) AS completed, COALESCE(SUM(amount_lamports), 0) AS total").
		Row()
	if err := row.Scan(&stats.CompletedPayouts, &stats.PaidOutLamports); err != nil {
		return nil, errutil.Internal("failed to sum payouts", err)
	}

	return stats, nil
}
