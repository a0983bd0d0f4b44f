package solana

import (
	"paygate-engine/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("solana",
	fx.Provide(provideClient),
)

func provideClient(cfg *config.Config) (Client, error) {
	client, err := NewClient(Options{
		RPCURL:          cfg.Solana.RPCURL,
		TreasuryAddress: cfg.Solana.TreasuryAddress,
		CustodyKey:      cfg.Solana.CustodyKey,
		RequestTimeout:  cfg.Solana.RequestTimeout,
	})
	if err != nil {
		zap.L().Error("failed to build solana client", zap.Error(err))
		return nil, err
	}

	zap.L().Info("[Solana] RPC client ready",
		zap.String("rpc_url", cfg.Solana.RPCURL),
		zap.String("treasury", cfg.Solana.TreasuryAddress),
	)

	return client, nil
}
