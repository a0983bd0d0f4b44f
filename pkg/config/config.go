package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	Server     struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConn     int           `mapstructure:"MAX_OPEN_CONN"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Solana struct {
		RPCURL          string        `mapstructure:"RPC_URL"`
		TreasuryAddress string        `mapstructure:"TREASURY_ADDRESS"`
		CustodyKey      string        `mapstructure:"CUSTODY_KEY"`
		RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	} `mapstructure:"SOLANA"`
	Swap struct {
		BaseURL        string        `mapstructure:"BASE_URL"`
		SlippageBps    int           `mapstructure:"SLIPPAGE_BPS"`
		RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	} `mapstructure:"SWAP"`
	Payment struct {
		PendingTTL   time.Duration `mapstructure:"PENDING_TTL"`
		RetentionAge time.Duration `mapstructure:"RETENTION_AGE"`
		LockTTL      time.Duration `mapstructure:"LOCK_TTL"`
		LockMaxWait  time.Duration `mapstructure:"LOCK_MAX_WAIT"`
	} `mapstructure:"PAYMENT"`
	Retry struct {
		MaxAttempts int           `mapstructure:"MAX_ATTEMPTS"`
		BaseDelay   time.Duration `mapstructure:"BASE_DELAY"`
	} `mapstructure:"RETRY"`
	Worker struct {
		Concurrency     int    `mapstructure:"CONCURRENCY"`
		CloseInterval   string `mapstructure:"CLOSE_INTERVAL"`
		PayoutInterval  string `mapstructure:"PAYOUT_INTERVAL"`
		SettleInterval  string `mapstructure:"SETTLE_INTERVAL"`
		SweepInterval   string `mapstructure:"SWEEP_INTERVAL"`
		PayoutBatchSize int    `mapstructure:"PAYOUT_BATCH_SIZE"`
		SettleBatchSize int    `mapstructure:"SETTLE_BATCH_SIZE"`
	} `mapstructure:"WORKER"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() (*Config, error) {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		zap.L().Warn("no config file found, relying on environment", zap.Error(err))
	}

	setDefaults()

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	config.SetDefault("APP_ENV", "development")
	config.SetDefault("APP_NAME", "paygate-engine")
	config.SetDefault("HTTP_SERVER.ADDR", ":8080")
	config.SetDefault("HTTP_SERVER.READ_TIMEOUT", "15s")
	config.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", "15s")
	config.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", "60s")
	config.SetDefault("REDIS.POOL_SIZE", 10)
	config.SetDefault("REDIS.POOL_TIMEOUT", "5s")
	config.SetDefault("SOLANA.RPC_URL", "https://api.mainnet-beta.solana.com")
	config.SetDefault("SOLANA.REQUEST_TIMEOUT", "10s")
	config.SetDefault("SWAP.SLIPPAGE_BPS", 100)
	config.SetDefault("SWAP.REQUEST_TIMEOUT", "10s")
	config.SetDefault("PAYMENT.PENDING_TTL", "15m")
	config.SetDefault("PAYMENT.RETENTION_AGE", "720h")
	config.SetDefault("PAYMENT.LOCK_TTL", "30s")
	config.SetDefault("PAYMENT.LOCK_MAX_WAIT", "10s")
	config.SetDefault("RETRY.MAX_ATTEMPTS", 3)
	config.SetDefault("RETRY.BASE_DELAY", "500ms")
	config.SetDefault("WORKER.CONCURRENCY", 10)
	config.SetDefault("WORKER.CLOSE_INTERVAL", "@every 30s")
	config.SetDefault("WORKER.PAYOUT_INTERVAL", "@every 30s")
	config.SetDefault("WORKER.SETTLE_INTERVAL", "@every 30s")
	config.SetDefault("WORKER.SWEEP_INTERVAL", "@every 1h")
	config.SetDefault("WORKER.PAYOUT_BATCH_SIZE", 50)
	config.SetDefault("WORKER.SETTLE_BATCH_SIZE", 20)
}
