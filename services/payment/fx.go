package payment

import (
	"context"

	"paygate-engine/services/action"
	"paygate-engine/services/lottery"
	"paygate-engine/services/run"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("payment",
	fx.Provide(
		NewService,
		NewHTTPInvoker,
		newEntryCreator,
	),
)

func newEntryCreator(svc *lottery.Service) EntryCreator {
	return EntryCreatorFunc(func(ctx context.Context, tx *gorm.DB, a *action.Action, r *run.Run, payer string) error {
		_, err := svc.EnterInTx(ctx, tx, a, r, payer)
		return err
	})
}
