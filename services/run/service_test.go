package run

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"paygate-engine/pkg/config"
	"paygate-engine/pkg/errutil"
	"paygate-engine/services/action"
	"paygate-engine/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type seqGen struct{ n atomic.Int64 }

func (g *seqGen) NextRunReference(ctx context.Context) (string, error) {
	return fmt.Sprintf("PAY-TEST-%04d", g.n.Add(1)), nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &Run{}, &action.Action{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Payment.PendingTTL = time.Minute
	cfg.Payment.RetentionAge = time.Hour

	return NewService(Params{DB: db, Node: node, Seq: &seqGen{}, Config: cfg}), db
}

func seedAction(t *testing.T, db *gorm.DB, typ action.Type) *action.Action {
	t.Helper()
	a := &action.Action{
		ID:            "act-" + string(typ),
		Name:          string(typ),
		Type:          typ,
		PriceLamports: 1_000_000,
		Active:        true,
	}
	require.NoError(t, db.Create(a).Error)
	return a
}

func markPaid(t *testing.T, db *gorm.DB, reference, signature string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, db.Model(&Run{}).Where("reference = ?", reference).
		Updates(map[string]interface{}{
			"status":    StatusPaid,
			"signature": signature,
			"paid_at":   now,
		}).Error)
}

func TestCreate(t *testing.T) {
	svc, db := newTestService(t)
	a := seedAction(t, db, action.TypeDirect)

	r, err := svc.Create(context.Background(), a, map[string]interface{}{"prompt": "hi"})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, "PAY-TEST-0001", r.Reference)
	assert.Equal(t, a.ID, r.ActionID)
	assert.Nil(t, r.Signature)
	assert.WithinDuration(t, time.Now().Add(time.Minute), r.ExpiresAt, 2*time.Second)
	assert.Equal(t, map[string]interface{}{"prompt": "hi"}, r.MetadataMap())
}

func TestGetByReference_NotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GetByReference(context.Background(), "PAY-MISSING")
	require.Error(t, err)
	assert.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
}

func TestGetByReference_ExpiresOnRead(t *testing.T) {
	svc, db := newTestService(t)
	a := seedAction(t, db, action.TypeDirect)

	r, err := svc.Create(context.Background(), a, nil)
	require.NoError(t, err)

	require.NoError(t, db.Model(&Run{}).Where("reference = ?", r.Reference).
		Update("expires_at", time.Now().UTC().Add(-time.Second)).Error)

	got, err := svc.GetByReference(context.Background(), r.Reference)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	// The expiry is persisted, not just reported.
	var stored Run
	require.NoError(t, db.Where("reference = ?", r.Reference).First(&stored).Error)
	assert.Equal(t, StatusFailed, stored.Status)
}

func TestGetByReference_PaidRunNeverExpires(t *testing.T) {
	svc, db := newTestService(t)
	a := seedAction(t, db, action.TypeDirect)

	r, err := svc.Create(context.Background(), a, nil)
	require.NoError(t, err)
	markPaid(t, db, r.Reference, "sig-1")
	require.NoError(t, db.Model(&Run{}).Where("reference = ?", r.Reference).
		Update("expires_at", time.Now().UTC().Add(-time.Hour)).Error)

	got, err := svc.GetByReference(context.Background(), r.Reference)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
}

func TestComplete_SuccessBumpsRunCount(t *testing.T) {
	svc, db := newTestService(t)
	a := seedAction(t, db, action.TypeDirect)

	r, err := svc.Create(context.Background(), a, map[string]interface{}{"prompt": "hi"})
	require.NoError(t, err)
	markPaid(t, db, r.Reference, "sig-1")

	got, err := svc.Complete(context.Background(), r.Reference, Outcome{
		Success:    true,
		DurationMS: 120,
		Metadata:   map[string]interface{}{"endpoint_status": 200},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusExecuted, got.Status)
	assert.Equal(t, int64(120), got.DurationMS)
	require.NotNil(t, got.ExecutedAt)

	md := got.MetadataMap()
	assert.Equal(t, "hi", md["prompt"], "admission metadata must survive completion")
	assert.EqualValues(t, 200, md["endpoint_status"])

	var gotAction action.Action
	require.NoError(t, db.Where("id = ?", a.ID).First(&gotAction).Error)
	assert.Equal(t, int64(1), gotAction.RunCount)
}

func TestComplete_FailureDoesNotBumpRunCount(t *testing.T) {
	svc, db := newTestService(t)
	a := seedAction(t, db, action.TypeDirect)

	r, err := svc.Create(context.Background(), a, nil)
	require.NoError(t, err)
	markPaid(t, db, r.Reference, "sig-1")

	got, err := svc.Complete(context.Background(), r.Reference, Outcome{Success: false})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	var gotAction action.Action
	require.NoError(t, db.Where("id = ?", a.ID).First(&gotAction).Error)
	assert.Zero(t, gotAction.RunCount)
}

func TestComplete_RequiresPaidRun(t *testing.T) {
	svc, db := newTestService(t)
	a := seedAction(t, db, action.TypeDirect)

	r, err := svc.Create(context.Background(), a, nil)
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), r.Reference, Outcome{Success: true})
	require.Error(t, err)
	assert.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))

	// A completed run cannot be completed again.
	markPaid(t, db, r.Reference, "sig-1")
	_, err = svc.Complete(context.Background(), r.Reference, Outcome{Success: true})
	require.NoError(t, err)
	_, err = svc.Complete(context.Background(), r.Reference, Outcome{Success: true})
	require.Error(t, err)
	assert.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))
}

func TestAttachMetadata(t *testing.T) {
	svc, db := newTestService(t)
	a := seedAction(t, db, action.TypeSwap)

	r, err := svc.Create(context.Background(), a, map[string]interface{}{"prompt": "hi"})
	require.NoError(t, err)

	got, err := svc.AttachMetadata(context.Background(), r.Reference, map[string]interface{}{
		"swap_signature": "swap-sig-1",
	})
	require.NoError(t, err)

	md := got.MetadataMap()
	assert.Equal(t, "hi", md["prompt"])
	assert.Equal(t, "swap-sig-1", md["swap_signature"])
	assert.Equal(t, StatusPending, got.Status)
}

func TestSignatureUniqueAtStorageLevel(t *testing.T) {
	svc, db := newTestService(t)
	a := seedAction(t, db, action.TypeDirect)

	first, err := svc.Create(context.Background(), a, nil)
	require.NoError(t, err)
	second, err := svc.Create(context.Background(), a, nil)
	require.NoError(t, err)

	markPaid(t, db, first.Reference, "sig-1")

	sig := "sig-1"
	err = db.Model(&Run{}).Where("reference = ?", second.Reference).
		Update("signature", &sig).Error
	require.ErrorIs(t, err, gorm.ErrDuplicatedKey)
}

func TestFindPaidByActionType(t *testing.T) {
	svc, db := newTestService(t)
	swapAction := seedAction(t, db, action.TypeSwap)
	directAction := seedAction(t, db, action.TypeDirect)

	older, err := svc.Create(context.Background(), swapAction, nil)
	require.NoError(t, err)
	newer, err := svc.Create(context.Background(), swapAction, nil)
	require.NoError(t, err)
	direct, err := svc.Create(context.Background(), directAction, nil)
	require.NoError(t, err)

	markPaid(t, db, newer.Reference, "sig-2")
	time.Sleep(2 * time.Millisecond)
	markPaid(t, db, older.Reference, "sig-1")
	markPaid(t, db, direct.Reference, "sig-3")

	got, err := svc.FindPaidByActionType(context.Background(), action.TypeSwap, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer.Reference, got[0].Reference, "oldest paid first")
	assert.Equal(t, older.Reference, got[1].Reference)
}

func TestSweepExpired(t *testing.T) {
	svc, db := newTestService(t)
	a := seedAction(t, db, action.TypeDirect)

	stale, err := svc.Create(context.Background(), a, nil)
	require.NoError(t, err)
	fresh, err := svc.Create(context.Background(), a, nil)
	require.NoError(t, err)

	require.NoError(t, db.Model(&Run{}).Where("reference = ?", stale.Reference).
		Update("expires_at", time.Now().UTC().Add(-time.Minute)).Error)

	// Terminal run past retention.
	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, db.Create(&Run{
		ID: "run-old", Reference: "PAY-OLD", ActionID: a.ID,
		Status: StatusExecuted, CreatedAt: old, ExpiresAt: old,
	}).Error)

	n, err := svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var staleRun Run
	require.NoError(t, db.Where("reference = ?", stale.Reference).First(&staleRun).Error)
	assert.Equal(t, StatusFailed, staleRun.Status)

	var freshRun Run
	require.NoError(t, db.Where("reference = ?", fresh.Reference).First(&freshRun).Error)
	assert.Equal(t, StatusPending, freshRun.Status)

	var count int64
	require.NoError(t, db.Model(&Run{}).Where("reference = ?", "PAY-OLD").Count(&count).Error)
	assert.Zero(t, count)
}
