package relayer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/coinflip-platform-poc/internal/chain"
	"github.com/radieske/coinflip-platform-poc/internal/coinflip"
)

var (
	// ErrNotReady: assinador/sequence ainda não inicializados.
	ErrNotReady = errors.New("relayer not initialized")

	// ErrRejected: a chain devolveu código != 0. O raw log fica no Result.
	ErrRejected = errors.New("chain rejected transaction")

	// ErrConfirmTimeout: broadcast aceito mas sem confirmação dentro do teto.
	// A transação ainda pode entrar num bloco.
	ErrConfirmTimeout = errors.New("confirmation polling timed out")
)

// Mode controla se o relay espera a inclusão em bloco ou só o mempool.
type Mode int

const (
	// ModeAsync retorna assim que o mempool aceita; a confirmação fica pra
	// uma tarefa em background. Default das ações de aposta.
	ModeAsync Mode = iota
	// ModeSync segura a chamada até a inclusão em bloco (ou o teto de polling).
	ModeSync
)

// Result é o resultado de uma tentativa de relay. Não é persistido.
type Result struct {
	Success bool
	TxHash  string
	Height  int64
	Code    uint32
	RawLog  string
	Timeout bool
	Events  []chain.Event
}

// Config do relayer: endereços fixos da instalação.
type Config struct {
	ChainID      string
	ContractAddr string // coinflip-pvp-vault
	TokenAddr    string // CW20 do vault
	FeeGranter   string // conta que banca o gas
	SyncCeiling  time.Duration
	PollInterval time.Duration
}

// chainAPI é o que o relayer precisa do full node.
type chainAPI interface {
	Broadcast(ctx context.Context, txBytes []byte) (*chain.BroadcastResult, error)
	QueryTx(ctx context.Context, hash string) (*chain.TxResult, error)
	QueryBalance(ctx context.Context, addr, denom string) (int64, error)
}

// Relayer assina e envia toda ação de usuário pra chain através do envelope
// de execução delegada, pagando gas pelo fee granter. Uma instância é dona
// exclusiva da chave quente; todo ciclo passa pelo Gate.
type Relayer struct {
	client chainAPI
	signer *chain.Signer
	seq    *chain.SequenceManager
	gate   *Gate
	cfg    Config
	log    *zap.Logger
}

func New(client chainAPI, signer *chain.Signer, seq *chain.SequenceManager, cfg Config, log *zap.Logger) *Relayer {
	if cfg.SyncCeiling == 0 {
		cfg.SyncCeiling = 25 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Relayer{
		client: client,
		signer: signer,
		seq:    seq,
		gate:   NewGate(),
		cfg:    cfg,
		log:    log,
	}
}

// Address é o endereço do hot wallet.
func (r *Relayer) Address() string { return r.signer.Address() }

// ---- operações por ação do contrato ----

func (r *Relayer) RelayCreateBet(ctx context.Context, maker string, amount int64, commitment []byte, mode Mode) (*Result, error) {
	return r.submitExec(ctx, "create_bet", maker, r.cfg.ContractAddr, createBetMsg(amount, commitment), mode)
}

func (r *Relayer) RelayAcceptAndReveal(ctx context.Context, acceptor string, betID int64, guess, side coinflip.Side, secret []byte, mode Mode) (*Result, error) {
	return r.submitExec(ctx, "accept_and_reveal", acceptor, r.cfg.ContractAddr, acceptAndRevealMsg(betID, guess, side, secret), mode)
}

func (r *Relayer) RelayReveal(ctx context.Context, maker string, betID int64, side coinflip.Side, secret []byte, mode Mode) (*Result, error) {
	return r.submitExec(ctx, "reveal", maker, r.cfg.ContractAddr, revealMsg(betID, side, secret), mode)
}

func (r *Relayer) RelayCancelBet(ctx context.Context, maker string, betID int64, mode Mode) (*Result, error) {
	return r.submitExec(ctx, "cancel_bet", maker, r.cfg.ContractAddr, cancelBetMsg(betID), mode)
}

func (r *Relayer) RelayClaimTimeout(ctx context.Context, acceptor string, betID int64, mode Mode) (*Result, error) {
	return r.submitExec(ctx, "claim_timeout", acceptor, r.cfg.ContractAddr, claimTimeoutMsg(betID), mode)
}

func (r *Relayer) RelayWithdraw(ctx context.Context, user string, amount int64, mode Mode) (*Result, error) {
	return r.submitExec(ctx, "withdraw", user, r.cfg.ContractAddr, withdrawMsg(amount), mode)
}

// RelayDeposit envia CW20 do usuário pro vault com o hook de depósito.
func (r *Relayer) RelayDeposit(ctx context.Context, user string, amount int64, mode Mode) (*Result, error) {
	return r.submitExec(ctx, "deposit", user, r.cfg.TokenAddr, depositMsg(r.cfg.ContractAddr, amount), mode)
}

// RelayCw20Transfer faz uma transferência CW20 genérica em nome do usuário.
func (r *Relayer) RelayCw20Transfer(ctx context.Context, from, to string, amount int64, mode Mode) (*Result, error) {
	return r.submitExec(ctx, "cw20_transfer", from, r.cfg.TokenAddr, cw20TransferMsg(to, amount), mode)
}

// SubmitExecOnContract é a porta genérica: executa qualquer msg no contrato
// do vault em nome do usuário.
func (r *Relayer) SubmitExecOnContract(ctx context.Context, user string, execMsg any, mode Mode) (*Result, error) {
	return r.submitExec(ctx, "exec", user, r.cfg.ContractAddr, execMsg, mode)
}

const maxAttempts = 3

var seqMismatchRe = regexp.MustCompile(`account sequence mismatch, expected (\d+)`)

// submitExec roda o ciclo completo de um relay: adquire o gate, emite o
// sequence, assina, faz broadcast e (em modo sync) espera a confirmação.
// Retries por mismatch acontecem com o gate ainda seguro, então nenhuma outra
// operação intercala um sequence no meio.
func (r *Relayer) submitExec(ctx context.Context, op, user, contractAddr string, execMsg any, mode Mode) (*Result, error) {
	if r.signer == nil || !r.seq.Ready() {
		return nil, ErrNotReady
	}

	start := time.Now()
	log := r.log.With(zap.String("op", op), zap.String("user", user))
	log.Info("relay start")

	release, err := r.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := r.broadcastWithRetry(ctx, log, user, contractAddr, execMsg)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	if err == nil && mode == ModeSync {
		res, err = r.confirmSync(ctx, res)
		if errors.Is(err, ErrConfirmTimeout) {
			outcome = "timeout"
		} else if err != nil {
			outcome = "rejected"
		}
	}

	relayDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	relayAttempts.WithLabelValues(op, outcome).Inc()
	log.Info("relay done",
		zap.Duration("took", time.Since(start)),
		zap.String("outcome", outcome),
		zap.String("tx_hash", txHashOf(res)),
	)
	return res, err
}

// broadcastWithRetry tenta assinar+broadcastar até maxAttempts vezes,
// tratando mismatch de sequence e duplicata de mempool.
func (r *Relayer) broadcastWithRetry(ctx context.Context, log *zap.Logger, user, contractAddr string, execMsg any) (*Result, error) {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		accNum, seq, err := r.seq.GetAndIncrement()
		if err != nil {
			return nil, ErrNotReady
		}

		txBytes, err := chain.BuildAndSignTx(r.signer, r.cfg.ChainID, accNum, seq, r.cfg.FeeGranter,
			r.execEnvelope(user, contractAddr, execMsg))
		if err != nil {
			return nil, err
		}
		hash := chain.TxHash(txBytes)

		br, err := r.client.Broadcast(ctx, txBytes)
		if err != nil {
			if errors.Is(err, chain.ErrBroadcastTimeout) {
				// pode ter entrado no mempool; sequence fica consumido e a
				// reconciliação decide depois
				log.Warn("broadcast timeout", zap.String("tx_hash", hash))
				return &Result{TxHash: hash, Timeout: true}, nil
			}
			// falha de rede seca: a tx não entrou, devolve o sequence
			r.seq.ForceSet(seq)
			lastErr = err
			log.Warn("broadcast failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		if br.MempoolAccepted {
			return &Result{Success: true, TxHash: br.TxHash, RawLog: br.RawLog}, nil
		}

		rawLog := br.RawLog
		switch {
		case strings.Contains(rawLog, "tx already exists in mempool"):
			// já está lá de uma tentativa anterior; trata como pendente
			return &Result{Success: true, TxHash: br.TxHash}, nil

		case seqMismatchRe.MatchString(rawLog):
			m := seqMismatchRe.FindStringSubmatch(rawLog)
			expected, perr := strconv.ParseUint(m[1], 10, 64)
			if perr == nil {
				r.seq.ForceSet(expected)
			} else if rerr := r.seq.Resync(ctx); rerr != nil {
				return nil, fmt.Errorf("resync after mismatch: %w", rerr)
			}
			lastErr = fmt.Errorf("sequence mismatch: %s", rawLog)
			log.Warn("sequence mismatch, retrying", zap.Int("attempt", attempt))
			continue

		case strings.Contains(rawLog, "account sequence mismatch"):
			// mismatch sem o valor esperado parseável: resync completo
			if rerr := r.seq.Resync(ctx); rerr != nil {
				return nil, fmt.Errorf("resync after mismatch: %w", rerr)
			}
			lastErr = fmt.Errorf("sequence mismatch: %s", rawLog)
			continue

		default:
			// rejeição de CheckTx: o sequence não foi consumido
			r.seq.ForceSet(seq)
			return &Result{TxHash: br.TxHash, Code: br.CheckTxCode, RawLog: rawLog},
				fmt.Errorf("%w: code %d", ErrRejected, br.CheckTxCode)
		}
	}

	return nil, fmt.Errorf("relay attempts exhausted: %w", lastErr)
}

// confirmSync segura a chamada até a tx aparecer num bloco, no ritmo de 2s,
// limitado pelo teto configurado.
func (r *Relayer) confirmSync(ctx context.Context, res *Result) (*Result, error) {
	tx, err := r.WaitConfirm(ctx, res.TxHash, r.cfg.SyncCeiling)
	if errors.Is(err, ErrConfirmTimeout) {
		res.Success = false
		res.Timeout = true
		return res, ErrConfirmTimeout
	}
	if err != nil {
		return res, err
	}

	res.Height = tx.Height
	res.RawLog = tx.RawLog
	res.Code = tx.Code
	res.Events = tx.Events
	if tx.Code != 0 {
		res.Success = false
		return res, fmt.Errorf("%w: code %d", ErrRejected, tx.Code)
	}
	res.Success = true
	return res, nil
}

// WaitConfirm faz o polling de inclusão de uma tx. Usado tanto pelo modo sync
// quanto pelas confirmações em background, cada um com seu próprio teto.
func (r *Relayer) WaitConfirm(ctx context.Context, txHash string, ceiling time.Duration) (*chain.TxResult, error) {
	ctx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		tx, err := r.client.QueryTx(ctx, txHash)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, chain.ErrTxNotFound) {
			r.log.Warn("query tx failed", zap.String("tx_hash", txHash), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, ErrConfirmTimeout
		case <-ticker.C:
		}
	}
}

// ObserveBalance atualiza a métrica de saldo de gas do relayer.
func (r *Relayer) ObserveBalance(ctx context.Context, denom string) {
	bal, err := r.client.QueryBalance(ctx, r.signer.Address(), denom)
	if err != nil {
		r.log.Warn("relayer balance query failed", zap.Error(err))
		return
	}
	relayerBalance.Set(float64(bal))
}

func txHashOf(r *Result) string {
	if r == nil {
		return ""
	}
	return r.TxHash
}
