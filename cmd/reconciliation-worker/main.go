package main

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/radieske/coinflip-platform-poc/internal/chain"
	"github.com/radieske/coinflip-platform-poc/internal/coinflip"
	"github.com/radieske/coinflip-platform-poc/internal/coinflip/repo"
	"github.com/radieske/coinflip-platform-poc/internal/shared/cache"
	"github.com/radieske/coinflip-platform-poc/internal/shared/config"
	"github.com/radieske/coinflip-platform-poc/internal/shared/db"
	"github.com/radieske/coinflip-platform-poc/internal/shared/kafka"
	"github.com/radieske/coinflip-platform-poc/internal/shared/logger"
	"github.com/radieske/coinflip-platform-poc/internal/shared/metrics"
	"github.com/radieske/coinflip-platform-poc/internal/vault"
)

// Janelas da varredura. Uma aposta só é "stuck" depois que o fan-out de
// confirmação do service já desistiu dela.
const (
	sweepInterval = 30 * time.Second
	stuckWindow   = 2 * time.Minute
	secretWindow  = 10 * time.Minute
	sweepLimit    = 100
)

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.ServiceName, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	pg, err := db.ConnectPostgres(cfg.PostgresDSN)
	if err != nil {
		log.Fatal("pg connect", zap.Error(err))
	}
	defer pg.Close()

	rdb, err := cache.ConnectRedis(cfg.RedisAddr)
	if err != nil {
		log.Fatal("redis", zap.Error(err))
	}

	var dlqWriter *kafkago.Writer
	if cfg.TopicReconciliationDLQ != "" {
		dlqWriter = kafka.NewWriter(cfg.KafkaBrokers, cfg.TopicReconciliationDLQ)
		defer dlqWriter.Close()
	}

	client := chain.NewClient(cfg.ChainRESTURL)
	repository := repo.NewPostgres(pg)
	locks := vault.NewPendingLocks(rdb, cfg.PendingLockTTL)
	ledger := vault.NewLedger(pg, locks)
	secrets := vault.NewPendingSecrets(pg)

	metrics.StartMetricsServer(cfg.MetricsPort, func(ctx context.Context) error {
		return pg.PingContext(ctx)
	})

	w := &worker{
		log:     log,
		repo:    repository,
		ledger:  ledger,
		secrets: secrets,
		client:  client,
		dlq:     dlqWriter,
		cfg:     cfg,
	}

	log.Info("reconciliation-worker started",
		zap.Duration("interval", sweepInterval),
		zap.Duration("stuck_window", stuckWindow),
	)

	ctx := context.Background()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		w.sweepStuckBets(ctx)
		w.sweepStaleSecrets(ctx)
		w.syncVaultBalances(ctx)
		<-ticker.C
	}
}

type worker struct {
	log     *zap.Logger
	repo    *repo.Postgres
	ledger  *vault.Ledger
	secrets *vault.PendingSecrets
	client  *chain.Client
	dlq     *kafkago.Writer
	cfg     config.Config
}

// sweepStuckBets resolve apostas paradas em estado transitório: consulta o
// destino real da transação (ou do estado on-chain) e alinha a linha local.
func (w *worker) sweepStuckBets(ctx context.Context) {
	bets, err := w.repo.ListStuck(ctx, stuckWindow, sweepLimit)
	if err != nil {
		w.log.Error("list stuck bets", zap.Error(err))
		return
	}
	for _, bet := range bets {
		switch bet.Status {
		case coinflip.StatusCreating:
			w.reconcileCreating(ctx, bet)
		case coinflip.StatusAccepting:
			w.reconcileFromChain(ctx, bet, coinflip.StatusAccepting)
		case coinflip.StatusCanceling:
			w.reconcileFromChain(ctx, bet, coinflip.StatusCanceling)
		}
	}
}

// reconcileCreating decide o destino de um create sem confirmação observada.
// Sem hash de broadcast não há o que consultar: falha e destrava os fundos.
func (w *worker) reconcileCreating(ctx context.Context, bet *coinflip.Bet) {
	log := w.log.With(zap.String("id", bet.ID), zap.String("tx_hash", bet.CreateTxHash))

	if bet.CreateTxHash == "" {
		w.failCreate(ctx, bet, "create broadcast never returned a hash")
		return
	}

	tx, err := w.client.QueryTx(ctx, bet.CreateTxHash)
	if errors.Is(err, chain.ErrTxNotFound) {
		// passou da janela e nunca entrou em bloco: o mempool descartou
		w.failCreate(ctx, bet, "create tx dropped from mempool")
		return
	}
	if err != nil {
		log.Warn("create tx query failed", zap.Error(err))
		return
	}
	if tx.Code != 0 {
		w.failCreate(ctx, bet, "create tx rejected: "+tx.RawLog)
		return
	}

	// Confirmada: recupera bet_id do evento e o segredo do pending store.
	v, ok := tx.Attr("wasm", "bet_id")
	if !ok {
		w.toDLQ(ctx, bet.ID, "create confirmed without bet_id attribute")
		return
	}
	betID, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		w.toDLQ(ctx, bet.ID, "create confirmed with malformed bet_id: "+v)
		return
	}
	ps, err := w.secrets.Get(ctx, bet.Commitment)
	if err != nil {
		// sem o segredo a aposta fica irreconciliável: intervenção manual
		w.toDLQ(ctx, bet.ID, "create confirmed but pending secret is gone")
		return
	}

	moved, err := w.repo.MarkOpen(ctx, bet.ID, betID, ps.Side, ps.Secret)
	if err != nil {
		log.Error("mark open", zap.Error(err))
		return
	}
	if moved {
		_ = w.secrets.Delete(ctx, bet.Commitment)
		log.Info("stuck create reconciled to open", zap.Int64("bet_id", betID))
	}
}

func (w *worker) failCreate(ctx context.Context, bet *coinflip.Bet, reason string) {
	moved, err := w.repo.MarkFailed(ctx, bet.ID)
	if err != nil {
		w.log.Error("mark failed", zap.String("id", bet.ID), zap.Error(err))
		return
	}
	if !moved {
		return
	}
	if err := w.ledger.UnlockFunds(ctx, bet.MakerAddr, bet.Amount); err != nil {
		w.log.Error("unlock after failed create", zap.String("id", bet.ID), zap.Error(err))
	}
	_ = w.secrets.Delete(ctx, bet.Commitment)
	w.log.Info("stuck create failed", zap.String("id", bet.ID), zap.String("reason", reason))
}

type chainBet struct {
	Status     string `json:"status"`
	Winner     string `json:"winner"`
	Payout     int64  `json:"payout,string"`
	Commission int64  `json:"commission,string"`
}

// reconcileFromChain alinha accepting/canceling com o estado autoritativo do
// contrato: ou a transação pendente entrou e o estado avançou, ou não entrou e
// a aposta continua aberta.
func (w *worker) reconcileFromChain(ctx context.Context, bet *coinflip.Bet, from coinflip.Status) {
	log := w.log.With(zap.Int64("bet_id", bet.BetID), zap.String("from", string(from)))

	var cb chainBet
	err := w.client.QuerySmart(ctx, w.cfg.ContractAddr,
		map[string]any{"bet": map[string]any{"bet_id": bet.BetID}}, &cb)
	if err != nil {
		log.Warn("bet query failed", zap.Error(err))
		return
	}

	switch cb.Status {
	case "open":
		// a transação pendente não aconteceu; volta e destrava quem reservou
		if from == coinflip.StatusAccepting {
			if moved, err := w.repo.RevertAccept(ctx, bet.BetID); err == nil && moved {
				_ = w.ledger.UnlockFunds(ctx, bet.AcceptorAddr, bet.Amount)
				log.Info("accept reverted")
			}
		} else {
			if moved, err := w.repo.RevertCancel(ctx, bet.BetID); err == nil && moved {
				log.Info("cancel reverted")
			}
		}
	case "revealed":
		moved, err := w.repo.MarkRevealed(ctx, bet.BetID, cb.Winner, cb.Payout, cb.Commission, "")
		if err != nil {
			log.Error("mark revealed", zap.Error(err))
			return
		}
		if moved {
			if err := w.ledger.SettleBet(ctx, bet.MakerAddr, bet.AcceptorAddr, bet.Amount, cb.Winner, cb.Payout); err != nil {
				log.Error("settle", zap.Error(err))
			}
			log.Info("reconciled to revealed", zap.String("winner", cb.Winner))
		}
	case "canceled":
		if moved, err := w.repo.MarkCanceled(ctx, bet.BetID); err == nil && moved {
			_ = w.ledger.UnlockFunds(ctx, bet.MakerAddr, bet.Amount)
			log.Info("reconciled to canceled")
		}
	case "timeoutclaimed":
		moved, err := w.repo.MarkTimeoutClaimed(ctx, bet.BetID, cb.Winner, cb.Payout, cb.Commission, "")
		if err == nil && moved {
			if err := w.ledger.SettleBet(ctx, bet.MakerAddr, bet.AcceptorAddr, bet.Amount, cb.Winner, cb.Payout); err != nil {
				log.Error("settle", zap.Error(err))
			}
			log.Info("reconciled to timeout_claimed")
		}
	default:
		w.toDLQ(ctx, bet.ID, "unexpected chain status: "+cb.Status)
	}
}

// sweepStaleSecrets limpa segredos órfãos. Só deleta quando há prova de que o
// segredo não protege mais fundo nenhum: ou a linha da aposta já o carrega, ou
// o create foi rejeitado de vez.
func (w *worker) sweepStaleSecrets(ctx context.Context) {
	stale, err := w.secrets.Stale(ctx, secretWindow)
	if err != nil {
		w.log.Error("list stale secrets", zap.Error(err))
		return
	}
	for _, ps := range stale {
		bet, err := w.repo.GetByCommitment(ctx, ps.Commitment)
		if err == nil && bet != nil && len(bet.MakerSecret) > 0 {
			_ = w.secrets.Delete(ctx, ps.Commitment)
			continue
		}
		if ps.TxHash == "" {
			w.toDLQ(ctx, "", "stale secret without tx hash")
			continue
		}
		tx, err := w.client.QueryTx(ctx, ps.TxHash)
		if errors.Is(err, chain.ErrTxNotFound) || (err == nil && tx.Code != 0) {
			_ = w.secrets.Delete(ctx, ps.Commitment)
			continue
		}
		if err == nil {
			// confirmado na chain mas sem linha de aposta local: manual
			w.toDLQ(ctx, ps.TxHash, "secret confirmed on chain without a bet row")
		}
	}
}

// syncVaultBalances espelha os saldos autoritativos do contrato. O guard de
// altura no SyncFromChain descarta leituras velhas.
func (w *worker) syncVaultBalances(ctx context.Context) {
	addrs, err := w.ledger.ListAddresses(ctx, sweepLimit)
	if err != nil {
		w.log.Error("list vault addresses", zap.Error(err))
		return
	}
	if len(addrs) == 0 {
		return
	}
	height, err := w.client.QueryLatestHeight(ctx)
	if err != nil {
		w.log.Warn("latest height query failed", zap.Error(err))
		return
	}

	for _, addr := range addrs {
		var vb struct {
			Available int64 `json:"available,string"`
			Locked    int64 `json:"locked,string"`
		}
		err := w.client.QuerySmart(ctx, w.cfg.ContractAddr,
			map[string]any{"vault_balance": map[string]any{"address": addr}}, &vb)
		if err != nil {
			w.log.Warn("vault balance query failed", zap.String("address", addr), zap.Error(err))
			continue
		}
		if err := w.ledger.SyncFromChain(ctx, addr, vb.Available, vb.Locked, height); err != nil {
			w.log.Error("vault sync failed", zap.String("address", addr), zap.Error(err))
		}
	}
}

func (w *worker) toDLQ(ctx context.Context, key, reason string) {
	w.log.Error("unreconcilable", zap.String("key", key), zap.String("reason", reason))
	if w.dlq == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"key":    key,
		"reason": reason,
		"ts":     time.Now().UTC(),
	})
	_ = kafka.WriteJSON(ctx, w.dlq, key, payload)
}
