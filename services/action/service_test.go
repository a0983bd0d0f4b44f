package action

import (
	"context"
	"testing"
	"time"

	"paygate-engine/pkg/errutil"
	"paygate-engine/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &Action{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(Params{DB: db, Node: node})
}

func TestCreate_PerTypeValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input CreateInput
		ok    bool
	}{
		{"direct ok", CreateInput{Name: "d", Type: TypeDirect, PriceLamports: 1, EndpointURL: "http://localhost"}, true},
		{"direct missing endpoint", CreateInput{Name: "d", Type: TypeDirect, PriceLamports: 1}, false},
		{"lottery ok", CreateInput{Name: "l", Type: TypeLottery, PriceLamports: 1, RoundDuration: time.Hour}, true},
		{"lottery missing duration", CreateInput{Name: "l", Type: TypeLottery, PriceLamports: 1}, false},
		{"swap ok", CreateInput{Name: "s", Type: TypeSwap, PriceLamports: 1, BurnMint: "Mint111"}, true},
		{"swap missing mint", CreateInput{Name: "s", Type: TypeSwap, PriceLamports: 1}, false},
		{"zero price", CreateInput{Name: "d", Type: TypeDirect, PriceLamports: 0, EndpointURL: "http://localhost"}, false},
		{"unknown type", CreateInput{Name: "x", Type: Type("mystery"), PriceLamports: 1}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, err := svc.Create(ctx, tc.input)
			if tc.ok {
				require.NoError(t, err)
				assert.True(t, a.Active)
				assert.NotEmpty(t, a.ID)
			} else {
				require.Error(t, err)
				assert.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
			}
		})
	}
}

func TestGetActive(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, CreateInput{Name: "d", Type: TypeDirect, PriceLamports: 1, EndpointURL: "http://localhost"})
	require.NoError(t, err)

	got, err := svc.GetActive(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	require.NoError(t, svc.db.Model(&Action{}).Where("id = ?", a.ID).Update("active", false).Error)
	_, err = svc.GetActive(ctx, a.ID)
	require.Error(t, err)
	assert.Equal(t, errutil.StatusUnprocessableEntity, errutil.StatusOf(err))

	_, err = svc.GetActive(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
}
