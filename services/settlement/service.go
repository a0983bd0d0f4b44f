package settlement

import (
	"context"
	"time"

	"paygate-engine/pkg/config"
	"paygate-engine/pkg/retry"
	"paygate-engine/pkg/solana"
	"paygate-engine/pkg/swap"
	"paygate-engine/services/action"
	"paygate-engine/services/run"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// solMint is the wrapped SOL mint used as the swap input side.
const solMint = "So11111111111111111111111111111111111111112"

// metadata keys tracked on swap-mediated runs.
const (
	mdSwapSignature   = "swap_signature"
	mdSwapOutAmount   = "swap_out_amount"
	mdSwapBroadcastAt = "swap_broadcast_at"
	mdSwapError       = "swap_error"
	mdSwapSlot        = "swap_slot"
)

// Service converts paid swap-mediated runs into executed ones by swapping
// the collected SOL into the action's burn token through the aggregator.
// The broadcast signature is persisted to the run before the broadcast, so
// a crash or timeout never causes a second swap for the same run.
type Service struct {
	runs    *run.Service
	actions *action.Service
	ledger  solana.Client
	swaps   swap.Client
	policy  retry.Policy
	batch   int
}

type Params struct {
	fx.In
	Runs    *run.Service
	Actions *action.Service
	Ledger  solana.Client
	Swaps   swap.Client
	Config  *config.Config
}

func NewService(p Params) *Service {
	return &Service{
		runs:    p.Runs,
		actions: p.Actions,
		ledger:  p.Ledger,
		swaps:   p.Swaps,
		policy:  retry.Policy{MaxAttempts: p.Config.Retry.MaxAttempts, BaseDelay: p.Config.Retry.BaseDelay},
		batch:   p.Config.Worker.SettleBatchSize,
	}
}

var Module = fx.Module("settlement",
	fx.Provide(NewService),
)

// SettleDueRuns is one poller pass over paid swap runs, oldest first. A
// failing run is logged and skipped; it surfaces again next pass.
func (s *Service) SettleDueRuns(ctx context.Context) error {
	due, err := s.runs.FindPaidByActionType(ctx, action.TypeSwap, s.batch)
	if err != nil {
		return err
	}

	for _, r := range due {
		if err := s.settleRun(ctx, r); err != nil {
			zap.L().Error("settlement pass failed for run",
				zap.String("reference", r.Reference),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Service) settleRun(ctx context.Context, r *run.Run) error {
	a, err := s.actions.Get(ctx, r.ActionID)
	if err != nil {
		return err
	}

	// A run that already carries a signature was broadcast (or was about to
	// be) by an earlier pass; resolve that transaction instead of swapping
	// again.
	if sig, ok := r.MetadataMap()[mdSwapSignature].(string); ok && sig != "" {
		return s.resolveBroadcast(ctx, r, sig)
	}

	var quote *swap.Quote
	if err := s.policy.Do(ctx, "settlement.quote", func() error {
		var qErr error
		quote, qErr = s.swaps.GetQuote(ctx, solMint, a.BurnMint, uint64(a.PriceLamports))
		return qErr
	}); err != nil {
		return err
	}

	var unsigned string
	if err := s.policy.Do(ctx, "settlement.build", func() error {
		var bErr error
		unsigned, bErr = s.swaps.BuildSwap(ctx, quote, s.ledger.CustodyAddress())
		return bErr
	}); err != nil {
		return err
	}

	signed, signature, err := s.ledger.SignTransaction(ctx, unsigned)
	if err != nil {
		return err
	}

	// Persist the signature first: from here on this run is bound to this
	// transaction and will only ever be resolved, never re-swapped.
	r, err = s.runs.AttachMetadata(ctx, r.Reference, map[string]interface{}{
		mdSwapSignature:   signature,
		mdSwapOutAmount:   quote.OutAmount,
		mdSwapBroadcastAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	if _, err := s.ledger.Broadcast(ctx, signed); err != nil {
		// The transaction may still have landed; the next pass resolves the
		// persisted signature either way.
		zap.L().Warn("swap broadcast did not return cleanly",
			zap.String("reference", r.Reference),
			zap.String("signature", signature),
			zap.Error(err),
		)
		return nil
	}

	zap.L().Info("swap broadcast",
		zap.String("reference", r.Reference),
		zap.String("signature", signature),
		zap.String("burn_mint", a.BurnMint),
		zap.Int64("in_lamports", a.PriceLamports),
		zap.String("out_amount", quote.OutAmount),
	)

	return s.resolveBroadcast(ctx, r, signature)
}

// resolveBroadcast reads the persisted swap transaction's outcome and moves
// the run to its terminal state. An unlanded transaction leaves the run paid
// for the next pass.
func (s *Service) resolveBroadcast(ctx context.Context, r *run.Run, signature string) error {
	outcome, err := s.ledger.GetTransferOutcome(ctx, signature)
	if err != nil {
		return err
	}

	if !outcome.Found {
		zap.L().Debug("swap not yet visible on ledger",
			zap.String("reference", r.Reference),
			zap.String("signature", signature),
		)
		return nil
	}

	if outcome.Failed {
		_, err = s.runs.Complete(ctx, r.Reference, run.Outcome{
			Success:  false,
			Metadata: map[string]interface{}{mdSwapError: "swap transaction failed on chain"},
		})
		if err != nil {
			return err
		}
		zap.L().Error("swap failed on chain, run needs manual re-drive",
			zap.String("reference", r.Reference),
			zap.String("signature", signature),
		)
		return nil
	}

	if !outcome.Confirmed {
		return nil
	}

	_, err = s.runs.Complete(ctx, r.Reference, run.Outcome{
		Success:  true,
		Metadata: map[string]interface{}{mdSwapSlot: outcome.Slot},
	})
	return err
}
