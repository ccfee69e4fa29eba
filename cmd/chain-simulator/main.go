package main

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/coinflip-platform-poc/internal/chainsim"
	"github.com/radieske/coinflip-platform-poc/internal/coinflip"
	"github.com/radieske/coinflip-platform-poc/internal/shared/config"
	"github.com/radieske/coinflip-platform-poc/internal/shared/logger"
	"github.com/radieske/coinflip-platform-poc/internal/shared/metrics"
)

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.ServiceName, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	node := chainsim.NewNode(log, chainsim.Options{
		ChainID:   cfg.ChainID,
		VaultAddr: cfg.ContractAddr,
		TokenAddr: cfg.TokenCw20Addr,
		Treasury:  getEnv("SIM_TREASURY_ADDR", "treasury"),
		BlockTime: getDurationEnv("SIM_BLOCK_TIME", time.Second),
		Config: coinflip.ContractConfig{
			MinBet:            getInt64Env("SIM_MIN_BET", 100),
			CommissionBps:     uint16(getInt64Env("SIM_COMMISSION_BPS", 250)),
			RevealTimeoutSecs: getInt64Env("SIM_REVEAL_TIMEOUT_SECS", 300),
			BetTTLSecs:        getInt64Env("SIM_BET_TTL_SECS", 86400),
			MaxOpenPerUser:    uint16(getInt64Env("SIM_MAX_OPEN_PER_USER", 10)),
		},
	})

	metrics.StartMetricsServer(cfg.MetricsPort, func(context.Context) error { return nil })

	srv := chainsim.NewServer(log, node)
	addr := ":" + cfg.HTTPPort
	log.Info("chain-simulator listening",
		zap.String("addr", addr),
		zap.String("chain_id", cfg.ChainID),
		zap.String("contract", cfg.ContractAddr),
	)
	if err := http.ListenAndServe(addr, srv.Router()); err != nil && err != http.ErrServerClosed {
		log.Fatal("sim", zap.Error(err))
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt64Env(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
