package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/coinflip-platform-poc/internal/chain"
	"github.com/radieske/coinflip-platform-poc/internal/coinflip"
	chttp "github.com/radieske/coinflip-platform-poc/internal/coinflip/http"
	kpub "github.com/radieske/coinflip-platform-poc/internal/coinflip/producer"
	"github.com/radieske/coinflip-platform-poc/internal/coinflip/repo"
	"github.com/radieske/coinflip-platform-poc/internal/coinflip/service"
	"github.com/radieske/coinflip-platform-poc/internal/relayer"
	"github.com/radieske/coinflip-platform-poc/internal/shared/cache"
	"github.com/radieske/coinflip-platform-poc/internal/shared/config"
	"github.com/radieske/coinflip-platform-poc/internal/shared/db"
	"github.com/radieske/coinflip-platform-poc/internal/shared/kafka"
	"github.com/radieske/coinflip-platform-poc/internal/shared/logger"
	"github.com/radieske/coinflip-platform-poc/internal/shared/metrics"
	"github.com/radieske/coinflip-platform-poc/internal/vault"
)

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.ServiceName, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx := context.Background()

	// Postgres
	pg, err := db.ConnectPostgres(cfg.PostgresDSN)
	if err != nil {
		log.Fatal("pg", zap.Error(err))
	}
	defer pg.Close()

	// Redis (overlay de pending locks)
	rdb, err := cache.ConnectRedis(cfg.RedisAddr)
	if err != nil {
		log.Fatal("redis", zap.Error(err))
	}

	// Kafka writers (eventos de aposta e de saldo)
	betWriter := kafka.NewWriter(cfg.KafkaBrokers, cfg.TopicBetEvents)
	defer betWriter.Close()
	balanceWriter := kafka.NewWriter(cfg.KafkaBrokers, cfg.TopicBalanceEvents)
	defer balanceWriter.Close()

	// Chain: client REST, chave quente e sequenciador
	client := chain.NewClient(cfg.ChainRESTURL)
	signer, err := chain.NewSignerFromHex(cfg.RelayerKeyHex)
	if err != nil {
		log.Fatal("relayer key", zap.Error(err))
	}
	seq := chain.NewSequenceManager(client, signer.Address(), log)

	// O node pode estar subindo junto; enquanto o Init não passa, o service
	// responde 503 e uma goroutine fica reinsistindo.
	if err := seq.Init(ctx); err != nil {
		log.Warn("sequence init failed; retrying in background", zap.Error(err))
		go func() {
			for !seq.Ready() {
				time.Sleep(2 * time.Second)
				if err := seq.Init(context.Background()); err == nil {
					log.Info("sequence manager ready")
				}
			}
		}()
	}

	relayer.RegisterMetrics()
	rel := relayer.New(client, signer, seq, relayer.Config{
		ChainID:      cfg.ChainID,
		ContractAddr: cfg.ContractAddr,
		TokenAddr:    cfg.TokenCw20Addr,
		FeeGranter:   cfg.FeeGranterAddr,
		SyncCeiling:  cfg.RelaySyncCeiling,
	}, log)

	// Config do contrato vem por smart query; sem ela não dá pra validar nada
	contractCfg, err := loadContractConfig(ctx, log, client, cfg.ContractAddr)
	if err != nil {
		log.Fatal("contract config", zap.Error(err))
	}
	log.Info("contract config loaded",
		zap.Int64("min_bet", contractCfg.MinBet),
		zap.Uint16("commission_bps", contractCfg.CommissionBps),
	)

	// deps
	locks := vault.NewPendingLocks(rdb, cfg.PendingLockTTL)
	ledger := vault.NewLedger(pg, locks)
	secrets := vault.NewPendingSecrets(pg)
	repository := repo.NewPostgres(pg)
	publ := kpub.NewKafkaPublisher(betWriter, balanceWriter)

	svc := service.New(log, repository, ledger, locks, secrets, rel, client, publ, service.Options{
		ContractAddr:   cfg.ContractAddr,
		ContractCfg:    contractCfg,
		ConfirmWorkers: cfg.ConfirmWorkers,
		ConfirmCeiling: cfg.ConfirmCeiling,
	})

	// Gauge do saldo de gas do hot wallet
	gasDenom := os.Getenv("GAS_DENOM")
	if gasDenom == "" {
		gasDenom = "ucoin"
	}
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			rel.ObserveBalance(context.Background(), gasDenom)
		}
	}()

	// metrics/health
	metrics.StartMetricsServer(cfg.MetricsPort, func(ctx context.Context) error {
		if err := pg.PingContext(ctx); err != nil {
			return fmt.Errorf("pg: %w", err)
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	})
	log.Info("metrics/health", zap.String("addr", ":"+cfg.MetricsPort))

	// HTTP público
	api := chttp.NewServer(log, svc)
	addr := ":" + cfg.HTTPPort
	log.Info("coinflip-service listening",
		zap.String("addr", addr),
		zap.String("relayer", signer.Address()),
	)
	if err := http.ListenAndServe(addr, api.Router()); err != nil && err != http.ErrServerClosed {
		log.Fatal("api", zap.Error(err))
	}
}

// loadContractConfig insiste algumas vezes: o simulador pode ainda estar subindo.
func loadContractConfig(ctx context.Context, log *zap.Logger, client *chain.Client, contractAddr string) (cfg coinflip.ContractConfig, err error) {
	for i := 0; i < 5; i++ {
		cfg, err = service.LoadContractConfig(ctx, client, contractAddr)
		if err == nil {
			return cfg, nil
		}
		log.Warn("contract config query failed; retrying", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	return cfg, err
}
