package run

import (
	"context"
	"encoding/json"
	"time"

	"paygate-engine/pkg/config"
	"paygate-engine/pkg/db/option"
	"paygate-engine/pkg/errutil"
	"paygate-engine/pkg/repository"
	"paygate-engine/pkg/sequence"
	"paygate-engine/services/action"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	seq  sequence.Generator
	runs repository.Repository[Run]

	pendingTTL   time.Duration
	retentionAge time.Duration
}

type Params struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Seq    sequence.Generator
	Config *config.Config
}

func NewService(p Params) *Service {
	return &Service{
		db:           p.DB,
		node:         p.Node,
		seq:          p.Seq,
		runs:         repository.ProvideStore[Run](p.DB),
		pendingTTL:   p.Config.Payment.PendingTTL,
		retentionAge: p.Config.Payment.RetentionAge,
	}
}

// Create opens a pending run for the action with a freshly minted reference
// and the configured payment window.
func (s *Service) Create(ctx context.Context, a *action.Action, metadata map[string]interface{}) (*Run, error) {
	reference, err := s.seq.NextRunReference(ctx)
	if err != nil {
		return nil, errutil.Unavailable("failed to mint run reference", err)
	}

	md := datatypes.JSON([]byte("{}"))
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return nil, errutil.ValidationFailed("invalid run metadata", err)
		}
		md = datatypes.JSON(b)
	}

	now := time.Now().UTC()
	r := &Run{
		ID:        s.node.Generate().String(),
		Reference: reference,
		ActionID:  a.ID,
		Status:    StatusPending,
		Metadata:  md,
		CreatedAt: now,
		ExpiresAt: now.Add(s.pendingTTL),
	}
	if err := s.runs.Create(ctx, r); err != nil {
		return nil, errutil.Internal("failed to create run", err)
	}
	return r, nil
}

// GetByReference loads a run, lazily failing it when its payment window has
// passed. Expiry is a side effect of the read, so no sweep is needed for
// correctness.
func (s *Service) GetByReference(ctx context.Context, reference string) (*Run, error) {
	r, err := s.runs.FindOne(ctx, &Run{Reference: reference})
	if err != nil {
		return nil, errutil.Internal("failed to query run", err)
	}
	if r == nil {
		return nil, errutil.NotFound("run not found", nil)
	}

	if r.Status == StatusPending && time.Now().After(r.ExpiresAt) {
		// Guarded update; a concurrent admission that just marked the run
		// paid must win.
		res := s.db.WithContext(ctx).Model(&Run{}).
			Where("reference = ? AND status = ?", reference, StatusPending).
			Update("status", StatusFailed)
		if res.Error != nil {
			return nil, errutil.Internal("failed to expire run", res.Error)
		}
		if res.RowsAffected > 0 {
			r.Status = StatusFailed
			zap.L().Info("run expired on read", zap.String("reference", reference))
		} else {
			return s.GetByReference(ctx, reference)
		}
	}

	return r, nil
}

// Outcome records the result of a gated action.
type Outcome struct {
	Success    bool
	DurationMS int64
	// Metadata is merged into the run's existing metadata, preserving
	// admission-time context.
	Metadata map[string]interface{}
}

// Complete moves a paid run to its terminal state and, on success, bumps the
// owning action's run counter in the same transaction so counts never drift
// from completed runs.
func (s *Service) Complete(ctx context.Context, reference string, outcome Outcome) (*Run, error) {
	var updated *Run
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r Run
		if err := option.LockingUpdate(tx).Where("reference = ?", reference).First(&r).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return errutil.NotFound("run not found", nil)
			}
			return errutil.Internal("failed to load run", err)
		}

		if r.Status != StatusPaid {
			return errutil.Conflict("run is not paid", nil)
		}

		if err := r.MergeMetadata(outcome.Metadata); err != nil {
			return errutil.Internal("failed to merge run metadata", err)
		}

		now := time.Now().UTC()
		r.ExecutedAt = &now
		r.DurationMS = outcome.DurationMS
		if outcome.Success {
			r.Status = StatusExecuted
		} else {
			r.Status = StatusFailed
		}

		if err := tx.Save(&r).Error; err != nil {
			return errutil.Internal("failed to update run", err)
		}

		if outcome.Success {
			if err := tx.Model(&action.Action{}).
				Where("id = ?", r.ActionID).
				Update("run_count", gorm.Expr("run_count + 1")).Error; err != nil {
				return errutil.Internal("failed to bump action run count", err)
			}
		}

		updated = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AttachMetadata merges extra into the run's metadata without touching its
// status. The settlement worker uses this to persist a broadcast signature
// before the broadcast itself, so a crash in between cannot double-spend.
func (s *Service) AttachMetadata(ctx context.Context, reference string, extra map[string]interface{}) (*Run, error) {
	var updated *Run
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r Run
		if err := option.LockingUpdate(tx).Where("reference = ?", reference).First(&r).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return errutil.NotFound("run not found", nil)
			}
			return errutil.Internal("failed to load run", err)
		}
		if err := r.MergeMetadata(extra); err != nil {
			return errutil.Internal("failed to merge run metadata", err)
		}
		if err := tx.Save(&r).Error; err != nil {
			return errutil.Internal("failed to update run metadata", err)
		}
		updated = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// FindPaidByActionType lists paid runs whose owning action has the given
// type. The settlement worker polls swap-mediated runs through this.
func (s *Service) FindPaidByActionType(ctx context.Context, actionType action.Type, limit int) ([]*Run, error) {
	var results []*Run
	err := s.db.WithContext(ctx).
		Joins("JOIN actions ON actions.id = runs.action_id").
		Where("runs.status = ? AND actions.type = ?", StatusPaid, actionType).
		Order("runs.paid_at ASC").
		Limit(limit).
		Find(&results).Error
	if err != nil {
		return nil, errutil.Internal("failed to query paid runs", err)
	}
	return results, nil
}

// SweepExpired is the storage-hygiene pass: fail stale pending runs in bulk
// and drop terminal runs older than the retention age. Correctness never
// depends on it; expire-on-read already guards admissions.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC()

	expired := s.db.WithContext(ctx).Model(&Run{}).
		Where("status = ? AND expires_at < ?", StatusPending, now).
		Update("status", StatusFailed)
	if expired.Error != nil {
		return 0, errutil.Internal("failed to expire pending runs", expired.Error)
	}

	purged := s.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", []Status{StatusExecuted, StatusFailed}, now.Add(-s.retentionAge)).
		Delete(&Run{})
	if purged.Error != nil {
		return expired.RowsAffected, errutil.Internal("failed to purge old runs", purged.Error)
	}

	if expired.RowsAffected > 0 || purged.RowsAffected > 0 {
		zap.L().Info("run sweep finished",
			zap.Int64("expired", expired.RowsAffected),
			zap.Int64("purged", purged.RowsAffected),
		)
	}

	return expired.RowsAffected + purged.RowsAffected, nil
}
