package lottery

import (
	"context"
	"errors"
	"testing"
	"time"

	"paygate-engine/pkg/config"
	"paygate-engine/pkg/errutil"
	"paygate-engine/pkg/repository"
	"paygate-engine/pkg/retry"
	"paygate-engine/pkg/solana"
	"paygate-engine/services/action"
	"paygate-engine/services/run"
	"paygate-engine/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakePayout struct {
	recipient string
	lamports  uint64
	reference string
}

type fakeLedger struct {
	payErr error
	paid   []fakePayout
}

func (f *fakeLedger) Pay(ctx context.Context, recipient string, lamports uint64, reference string) (string, error) {
	if f.payErr != nil {
		return "", f.payErr
	}
	f.paid = append(f.paid, fakePayout{recipient: recipient, lamports: lamports, reference: reference})
	return "sig-" + recipient, nil
}

func (f *fakeLedger) BuildTransfer(ctx context.Context, sender string, lamports uint64, reference string) (*solana.UnsignedTransfer, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLedger) GetTransferOutcome(ctx context.Context, signature string) (*solana.TransferOutcome, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLedger) SignTransaction(ctx context.Context, transactionBase64 string) (string, string, error) {
	return "", "", errors.New("not implemented")
}

func (f *fakeLedger) Broadcast(ctx context.Context, signedBase64 string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeLedger) TreasuryAddress() string { return "treasury" }
func (f *fakeLedger) CustodyAddress() string  { return "custody" }

type fakeLocker struct{}

func (fakeLocker) Acquire(ctx context.Context, key string, ttl, maxWait time.Duration) (string, error) {
	return "token", nil
}

func (fakeLocker) Release(ctx context.Context, key, token string) bool { return true }

func newTestService(t *testing.T, ledger *fakeLedger) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &Round{}, &Entry{}, &Winner{}, &action.Action{}, &run.Run{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Payment.LockTTL = time.Second
	cfg.Payment.LockMaxWait = time.Second
	cfg.Worker.PayoutBatchSize = 50

	svc := &Service{
		db:          db,
		node:        node,
		locker:      fakeLocker{},
		ledger:      ledger,
		strategy:    SeededDraw{},
		policy:      retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond},
		rounds:      repository.ProvideStore[Round](db),
		entries:     repository.ProvideStore[Entry](db),
		winners:     repository.ProvideStore[Winner](db),
		lockTTL:     cfg.Payment.LockTTL,
		lockMaxWait: cfg.Payment.LockMaxWait,
		payoutBatch: cfg.Worker.PayoutBatchSize,
	}
	return svc, db
}

func lotteryAction() *action.Action {
	return &action.Action{
		ID:            "act-1",
		Name:          "hourly-draw",
		Type:          action.TypeLottery,
		PriceLamports: 1_000_000,
		RoundDuration: time.Hour,
		Active:        true,
	}
}

func enter(t *testing.T, svc *Service, db *gorm.DB, a *action.Action, runID, payer string) *Entry {
	t.Helper()

	var entry *Entry
	err := db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		entry, txErr = svc.EnterInTx(context.Background(), tx, a, &run.Run{ID: runID}, payer)
		return txErr
	})
	require.NoError(t, err)
	return entry
}

func TestEnterInTx_OpensRoundOnFirstEntry(t *testing.T) {
	svc, db := newTestService(t, &fakeLedger{})
	a := lotteryAction()

	entry := enter(t, svc, db, a, "run-1", "payer-a")
	assert.Equal(t, "run-1", entry.RunID)
	assert.Equal(t, a.PriceLamports, entry.FeeLamports)

	var round Round
	require.NoError(t, db.Where("id = ?", entry.RoundID).First(&round).Error)
	assert.Equal(t, int64(1), round.Number)
	assert.Equal(t, RoundActive, round.Status)
	assert.Equal(t, int64(1), round.EntryCount)
	assert.Equal(t, a.PriceLamports, round.PoolLamports)
	assert.Equal(t, round.StartedAt.Add(a.RoundDuration), round.ClosesAt)
}

func TestEnterInTx_GrowsPoolOnLaterEntries(t *testing.T) {
	svc, db := newTestService(t, &fakeLedger{})
	a := lotteryAction()

	first := enter(t, svc, db, a, "run-1", "payer-a")
	second := enter(t, svc, db, a, "run-2", "payer-b")
	assert.Equal(t, first.RoundID, second.RoundID)

	var round Round
	require.NoError(t, db.Where("id = ?", first.RoundID).First(&round).Error)
	assert.Equal(t, int64(2), round.EntryCount)
	assert.Equal(t, 2*a.PriceLamports, round.PoolLamports)
}

func TestEnterInTx_DuplicateRunRejected(t *testing.T) {
	svc, db := newTestService(t, &fakeLedger{})
	a := lotteryAction()

	enter(t, svc, db, a, "run-1", "payer-a")

	err := db.Transaction(func(tx *gorm.DB) error {
		_, txErr := svc.EnterInTx(context.Background(), tx, a, &run.Run{ID: "run-1"}, "payer-a")
		return txErr
	})
	require.Error(t, err)
	assert.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))

	var count int64
	require.NoError(t, db.Model(&Entry{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCloseDueRounds_DrawsWinners(t *testing.T) {
	svc, db := newTestService(t, &fakeLedger{})
	a := lotteryAction()

	entry := enter(t, svc, db, a, "run-1", "payer-a")
	enter(t, svc, db, a, "run-2", "payer-b")
	enter(t, svc, db, a, "run-3", "payer-c")
	enter(t, svc, db, a, "run-4", "payer-d")

	// Force the window shut.
	require.NoError(t, db.Model(&Round{}).
		Where("id = ?", entry.RoundID).
		Update("closes_at", time.Now().UTC().Add(-time.Minute)).Error)

	closed, err := svc.CloseDueRounds(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	var round Round
	require.NoError(t, db.Where("id = ?", entry.RoundID).First(&round).Error)
	assert.Equal(t, RoundClosed, round.Status)
	require.NotNil(t, round.EndedAt)
	require.NotNil(t, round.DrawnAt)

	winners, err := svc.RoundWinners(context.Background(), round.ID)
	require.NoError(t, err)
	require.Len(t, winners, 3)

	var total int64
	for i, w := range winners {
		assert.Equal(t, i+1, w.Rank)
		assert.Equal(t, PayoutPending, w.Status)
		total += w.AmountLamports
	}
	// Prizes never exceed the pool; the remainder is the platform's.
	assert.LessOrEqual(t, total, round.PoolLamports)

	// The next entry opens round 2.
	next := enter(t, svc, db, a, "run-5", "payer-e")
	var nextRound Round
	require.NoError(t, db.Where("id = ?", next.RoundID).First(&nextRound).Error)
	assert.Equal(t, int64(2), nextRound.Number)
}

func TestCloseDueRounds_SecondTickIsNoop(t *testing.T) {
	svc, db := newTestService(t, &fakeLedger{})
	a := lotteryAction()

	entry := enter(t, svc, db, a, "run-1", "payer-a")
	require.NoError(t, db.Model(&Round{}).
		Where("id = ?", entry.RoundID).
		Update("closes_at", time.Now().UTC().Add(-time.Minute)).Error)

	_, err := svc.CloseDueRounds(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	_, err = svc.CloseDueRounds(context.Background(), time.Now().UTC())
	require.NoError(t, err)

	var winners int64
	require.NoError(t, db.Model(&Winner{}).Count(&winners).Error)
	assert.Equal(t, int64(1), winners)
}

func TestCloseDueRounds_SkipsOpenWindows(t *testing.T) {
	svc, db := newTestService(t, &fakeLedger{})
	a := lotteryAction()

	enter(t, svc, db, a, "run-1", "payer-a")

	closed, err := svc.CloseDueRounds(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, closed)
}

func TestCloseRound_EmptyRoundIsDistributed(t *testing.T) {
	svc, db := newTestService(t, &fakeLedger{})

	now := time.Now().UTC()
	round := &Round{
		ID:        "round-empty",
		ActionID:  "act-1",
		Number:    1,
		Status:    RoundActive,
		StartedAt: now.Add(-2 * time.Hour),
		ClosesAt:  now.Add(-time.Hour),
		CreatedAt: now.Add(-2 * time.Hour),
	}
	require.NoError(t, db.Create(round).Error)

	closed, err := svc.CloseDueRounds(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	var got Round
	require.NoError(t, db.Where("id = ?", round.ID).First(&got).Error)
	assert.Equal(t, RoundDistributed, got.Status)
	assert.Nil(t, got.DrawnAt)

	var winners int64
	require.NoError(t, db.Model(&Winner{}).Count(&winners).Error)
	assert.Zero(t, winners)
}

func closeTestRound(t *testing.T, svc *Service, db *gorm.DB, roundID string) {
	t.Helper()
	require.NoError(t, db.Model(&Round{}).
		Where("id = ?", roundID).
		Update("closes_at", time.Now().UTC().Add(-time.Minute)).Error)
	_, err := svc.CloseDueRounds(context.Background(), time.Now().UTC())
	require.NoError(t, err)
}

func TestProcessPayouts_PaysAndDistributes(t *testing.T) {
	ledger := &fakeLedger{}
	svc, db := newTestService(t, ledger)
	a := lotteryAction()

	entry := enter(t, svc, db, a, "run-1", "payer-a")
	enter(t, svc, db, a, "run-2", "payer-b")
	enter(t, svc, db, a, "run-3", "payer-c")
	closeTestRound(t, svc, db, entry.RoundID)

	require.NoError(t, svc.ProcessPayouts(context.Background()))

	winners, err := svc.RoundWinners(context.Background(), entry.RoundID)
	require.NoError(t, err)
	require.Len(t, winners, 3)
	for _, w := range winners {
		assert.Equal(t, PayoutCompleted, w.Status)
		require.NotNil(t, w.PayoutSignature)
		require.NotNil(t, w.CompletedAt)
	}
	assert.Len(t, ledger.paid, 3)

	var round Round
	require.NoError(t, db.Where("id = ?", entry.RoundID).First(&round).Error)
	assert.Equal(t, RoundDistributed, round.Status)
}

func TestProcessPayouts_BroadcastFailureIsRecorded(t *testing.T) {
	ledger := &fakeLedger{payErr: errors.New("rpc unavailable")}
	svc, db := newTestService(t, ledger)
	a := lotteryAction()

	entry := enter(t, svc, db, a, "run-1", "payer-a")
	closeTestRound(t, svc, db, entry.RoundID)

	require.NoError(t, svc.ProcessPayouts(context.Background()))

	winners, err := svc.RoundWinners(context.Background(), entry.RoundID)
	require.NoError(t, err)
	require.Len(t, winners, 1)
	assert.Equal(t, PayoutFailed, winners[0].Status)
	assert.Nil(t, winners[0].PayoutSignature)

	// A second pass must not re-broadcast a failed payout.
	require.NoError(t, svc.ProcessPayouts(context.Background()))
	winners, err = svc.RoundWinners(context.Background(), entry.RoundID)
	require.NoError(t, err)
	assert.Equal(t, PayoutFailed, winners[0].Status)
}

func TestProcessPayouts_ReclaimsAbandonedClaims(t *testing.T) {
	ledger := &fakeLedger{}
	svc, db := newTestService(t, ledger)
	a := lotteryAction()

	entry := enter(t, svc, db, a, "run-1", "payer-a")
	closeTestRound(t, svc, db, entry.RoundID)

	// Simulate a worker that died after claiming the payout.
	staleClaim := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, db.Model(&Winner{}).
		Where("round_id = ?", entry.RoundID).
		Updates(map[string]interface{}{
			"status":     PayoutProcessing,
			"claimed_at": staleClaim,
		}).Error)

	require.NoError(t, svc.ProcessPayouts(context.Background()))

	winners, err := svc.RoundWinners(context.Background(), entry.RoundID)
	require.NoError(t, err)
	require.Len(t, winners, 1)
	assert.Equal(t, PayoutFailed, winners[0].Status)
	assert.Empty(t, ledger.paid, "an abandoned claim must not be re-broadcast")

	// The round still reaches its terminal state.
	var round Round
	require.NoError(t, db.Where("id = ?", entry.RoundID).First(&round).Error)
	assert.Equal(t, RoundDistributed, round.Status)
}

func TestProcessPayouts_FreshClaimLeftAlone(t *testing.T) {
	ledger := &fakeLedger{}
	svc, db := newTestService(t, ledger)
	a := lotteryAction()

	entry := enter(t, svc, db, a, "run-1", "payer-a")
	closeTestRound(t, svc, db, entry.RoundID)

	// Another worker claimed this payout moments ago.
	require.NoError(t, db.Model(&Winner{}).
		Where("round_id = ?", entry.RoundID).
		Updates(map[string]interface{}{
			"status":     PayoutProcessing,
			"claimed_at": time.Now().UTC(),
		}).Error)

	require.NoError(t, svc.ProcessPayouts(context.Background()))

	winners, err := svc.RoundWinners(context.Background(), entry.RoundID)
	require.NoError(t, err)
	require.Len(t, winners, 1)
	assert.Equal(t, PayoutProcessing, winners[0].Status)
	assert.Empty(t, ledger.paid)
}

func TestCurrentRound(t *testing.T) {
	svc, db := newTestService(t, &fakeLedger{})
	a := lotteryAction()

	summary, err := svc.CurrentRound(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Nil(t, summary)

	entry := enter(t, svc, db, a, "run-1", "payer-a")

	summary, err = svc.CurrentRound(context.Background(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, entry.RoundID, summary.RoundID)
	assert.Equal(t, int64(1), summary.EntryCount)
	assert.Equal(t, a.PriceLamports, summary.PoolLamports)
	require.NotNil(t, summary.NextDrawAt)
}

func TestActionStats(t *testing.T) {
	svc, db := newTestService(t, &fakeLedger{})
	a := lotteryAction()

	entry := enter(t, svc, db, a, "run-1", "payer-a")
	enter(t, svc, db, a, "run-2", "payer-b")
	closeTestRound(t, svc, db, entry.RoundID)
	require.NoError(t, svc.ProcessPayouts(context.Background()))

	stats, err := svc.ActionStats(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Rounds)
	assert.Equal(t, int64(2), stats.Entries)
	assert.Equal(t, int64(2), stats.CompletedPayouts)
	assert.Greater(t, stats.PaidOutLamports, int64(0))
	assert.LessOrEqual(t, stats.PaidOutLamports, 2*a.PriceLamports)
}
