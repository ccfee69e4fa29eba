package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/coinflip-platform-poc/internal/chain"
	"github.com/radieske/coinflip-platform-poc/internal/coinflip"
	"github.com/radieske/coinflip-platform-poc/internal/relayer"
	"github.com/radieske/coinflip-platform-poc/internal/vault"
	"github.com/radieske/coinflip-platform-poc/pkg/contracts/events"
)

// Interfaces do lado consumidor: o service só declara o que usa de cada
// colaborador, então os testes trocam tudo por fakes.

type BetRepo interface {
	CreateCreating(ctx context.Context, maker string, amount int64, commitment []byte, createTxHash string) (string, error)
	MarkOpen(ctx context.Context, id string, betID int64, side coinflip.Side, secret []byte) (bool, error)
	MarkFailed(ctx context.Context, id string) (bool, error)
	BeginAccept(ctx context.Context, betID int64, acceptor string, guess coinflip.Side) (bool, error)
	RevertAccept(ctx context.Context, betID int64) (bool, error)
	SetAcceptTxHash(ctx context.Context, betID int64, txHash string) error
	MarkRevealed(ctx context.Context, betID int64, winner string, payout, commission int64, resolveTxHash string) (bool, error)
	BeginCancel(ctx context.Context, betID int64, maker string) (bool, error)
	RevertCancel(ctx context.Context, betID int64) (bool, error)
	MarkCanceled(ctx context.Context, betID int64) (bool, error)
	MarkTimeoutClaimed(ctx context.Context, betID int64, winner string, payout, commission int64, resolveTxHash string) (bool, error)
	SetStatusFromChain(ctx context.Context, betID int64, status coinflip.Status) error
	GetByBetID(ctx context.Context, betID int64) (*coinflip.Bet, error)
	GetByID(ctx context.Context, id string) (*coinflip.Bet, error)
	ListOpen(ctx context.Context, limit int) ([]*coinflip.Bet, error)
	ListByUser(ctx context.Context, addr string, limit int) ([]*coinflip.Bet, error)
	CountOpenByMaker(ctx context.Context, maker string) (int, error)
}

type Vault interface {
	LockFunds(ctx context.Context, addr string, amount int64) (bool, error)
	UnlockFunds(ctx context.Context, addr string, amount int64) error
	DeductBalance(ctx context.Context, addr string, amount int64, reason string) (bool, error)
	CreditWinner(ctx context.Context, addr string, amount int64, reason string) error
	SettleBet(ctx context.Context, maker, acceptor string, amount int64, winner string, payout int64) error
	SyncFromChain(ctx context.Context, addr string, available, locked, height int64) error
	BalanceOf(ctx context.Context, addr string) (vault.Balance, error)
}

type PendingLockStore interface {
	Add(ctx context.Context, addr string, amount int64) (string, error)
	Remove(ctx context.Context, addr, id string) error
}

type SecretStore interface {
	Put(ctx context.Context, commitment []byte, side coinflip.Side, secret []byte) error
	SetTxHash(ctx context.Context, commitment []byte, txHash string) error
	Get(ctx context.Context, commitment []byte) (*vault.PendingSecret, error)
	Delete(ctx context.Context, commitment []byte) error
}

type Relay interface {
	RelayCreateBet(ctx context.Context, maker string, amount int64, commitment []byte, mode relayer.Mode) (*relayer.Result, error)
	RelayAcceptAndReveal(ctx context.Context, acceptor string, betID int64, guess, side coinflip.Side, secret []byte, mode relayer.Mode) (*relayer.Result, error)
	RelayReveal(ctx context.Context, maker string, betID int64, side coinflip.Side, secret []byte, mode relayer.Mode) (*relayer.Result, error)
	RelayCancelBet(ctx context.Context, maker string, betID int64, mode relayer.Mode) (*relayer.Result, error)
	RelayClaimTimeout(ctx context.Context, acceptor string, betID int64, mode relayer.Mode) (*relayer.Result, error)
	RelayWithdraw(ctx context.Context, user string, amount int64, mode relayer.Mode) (*relayer.Result, error)
	RelayDeposit(ctx context.Context, user string, amount int64, mode relayer.Mode) (*relayer.Result, error)
	WaitConfirm(ctx context.Context, txHash string, ceiling time.Duration) (*chain.TxResult, error)
}

type SmartQuerier interface {
	QuerySmart(ctx context.Context, contractAddr string, query any, out any) error
}

type Publisher interface {
	PublishBetEvent(ctx context.Context, e events.BetEvent) error
	PublishBalanceEvent(ctx context.Context, e events.BalanceEvent) error
}

// Service orquestra o ciclo de vida da aposta: guarda de voo por endereço,
// reserva de fundos, relay assíncrono com resposta imediata e confirmação em
// background com fan-out limitado.
type Service struct {
	log      *zap.Logger
	repo     BetRepo
	vault    Vault
	locks    PendingLockStore
	secrets  SecretStore
	relay    Relay
	querier  SmartQuerier
	publ     Publisher
	inflight *Inflight

	contractAddr string
	contractCfg  coinflip.ContractConfig

	confirmSem     chan struct{}
	confirmCeiling time.Duration
}

type Options struct {
	ContractAddr   string
	ContractCfg    coinflip.ContractConfig
	ConfirmWorkers int           // fan-out máximo de confirmações em background
	ConfirmCeiling time.Duration // teto do polling em background
}

func New(log *zap.Logger, repo BetRepo, v Vault, locks PendingLockStore, secrets SecretStore,
	relay Relay, querier SmartQuerier, publ Publisher, opts Options) *Service {
	if opts.ConfirmWorkers <= 0 {
		opts.ConfirmWorkers = 8
	}
	if opts.ConfirmCeiling == 0 {
		opts.ConfirmCeiling = 90 * time.Second
	}
	return &Service{
		log:            log,
		repo:           repo,
		vault:          v,
		locks:          locks,
		secrets:        secrets,
		relay:          relay,
		querier:        querier,
		publ:           publ,
		inflight:       NewInflight(),
		contractAddr:   opts.ContractAddr,
		contractCfg:    opts.ContractCfg,
		confirmSem:     make(chan struct{}, opts.ConfirmWorkers),
		confirmCeiling: opts.ConfirmCeiling,
	}
}

// LoadContractConfig lê a config do contrato por smart query (boot).
func LoadContractConfig(ctx context.Context, querier SmartQuerier, contractAddr string) (coinflip.ContractConfig, error) {
	var cfg coinflip.ContractConfig
	err := querier.QuerySmart(ctx, contractAddr, map[string]any{"config": map[string]any{}}, &cfg)
	return cfg, err
}

// CreateBetResult é a resposta imediata do create; a confirmação vem depois.
type CreateBetResult struct {
	ID     string
	Status coinflip.Status
	TxHash string
}

// CreateBet: segredo durável antes do broadcast, fundos travados antes do
// relay, resposta imediata, confirmação em background. Qualquer falha de relay
// desfaz tudo antes de retornar o erro.
func (s *Service) CreateBet(ctx context.Context, maker string, amount int64) (*CreateBetResult, error) {
	if amount <= 0 {
		return nil, coinflip.ErrInvalidAmount
	}
	if amount < s.contractCfg.MinBet {
		return nil, coinflip.ErrBelowMinBet
	}

	if err := s.inflight.Acquire(maker); err != nil {
		return nil, err
	}
	defer s.inflight.Release(maker)

	if max := int(s.contractCfg.MaxOpenPerUser); max > 0 {
		open, err := s.repo.CountOpenByMaker(ctx, maker)
		if err != nil {
			return nil, err
		}
		if open >= max {
			return nil, coinflip.ErrTooManyOpenBets
		}
	}

	side, err := coinflip.RandomSide()
	if err != nil {
		return nil, err
	}
	secret, err := coinflip.NewSecret()
	if err != nil {
		return nil, err
	}
	commitment := coinflip.Commitment(maker, side, secret)

	// durabilidade antes do risco: segredo gravado antes de qualquer broadcast
	if err := s.secrets.Put(ctx, commitment, side, secret); err != nil {
		return nil, err
	}

	ok, err := s.vault.LockFunds(ctx, maker, amount)
	if err != nil {
		_ = s.secrets.Delete(ctx, commitment)
		return nil, err
	}
	if !ok {
		_ = s.secrets.Delete(ctx, commitment)
		return nil, coinflip.ErrInsufficientBalance
	}

	lockID, err := s.locks.Add(ctx, maker, amount)
	if err != nil {
		_ = s.vault.UnlockFunds(ctx, maker, amount)
		_ = s.secrets.Delete(ctx, commitment)
		return nil, err
	}

	res, err := s.relay.RelayCreateBet(ctx, maker, amount, commitment, relayer.ModeAsync)
	if err != nil {
		_ = s.vault.UnlockFunds(ctx, maker, amount)
		_ = s.locks.Remove(ctx, maker, lockID)
		_ = s.secrets.Delete(ctx, commitment)
		return nil, mapRelayErr(err)
	}
	// timeout de broadcast: a tx pode ter entrado; fundos continuam travados
	// e a confirmação em background (ou a reconciliação) decide

	_ = s.secrets.SetTxHash(ctx, commitment, res.TxHash)

	id, err := s.repo.CreateCreating(ctx, maker, amount, commitment, res.TxHash)
	if err != nil {
		// aposta broadcastada mas sem linha local; a varredura de pending
		// secrets com tx_hash recupera depois
		s.log.Error("create bet row failed after broadcast", zap.Error(err), zap.String("tx_hash", res.TxHash))
		return nil, err
	}

	s.background(func(ctx context.Context) {
		s.confirmCreate(ctx, id, maker, amount, commitment, side, secret, lockID, res.TxHash)
	})

	s.publishBet(ctx, events.BetEvent{MakerAddr: maker, Amount: amount, Status: string(coinflip.StatusCreating), TxHash: res.TxHash})
	return &CreateBetResult{ID: id, Status: coinflip.StatusCreating, TxHash: res.TxHash}, nil
}

// AcceptResult é a resposta imediata do accept-and-reveal.
type AcceptResult struct {
	BetID  int64
	Status coinflip.Status
	Guess  coinflip.Side
	TxHash string
}

// AcceptBet faz o accept-and-reveal em um passo: o chute é sorteado no
// servidor, o segredo do maker entra no mesmo relay e o contrato resolve tudo
// numa transação só. A transição condicional open→accepting decide a corrida
// entre acceptors concorrentes.
func (s *Service) AcceptBet(ctx context.Context, acceptor string, betID int64) (*AcceptResult, error) {
	if err := s.inflight.Acquire(acceptor); err != nil {
		return nil, err
	}
	defer s.inflight.Release(acceptor)

	bet, err := s.repo.GetByBetID(ctx, betID)
	if err != nil {
		return nil, err
	}
	if bet.Status != coinflip.StatusOpen {
		return nil, coinflip.ErrRaceLost
	}
	if bet.MakerAddr == acceptor {
		return nil, coinflip.ErrSelfAccept
	}
	if ttl := s.contractCfg.BetTTLSecs; ttl > 0 {
		if time.Now().After(bet.CreatedAt.Add(time.Duration(ttl) * time.Second)) {
			return nil, coinflip.ErrBetExpired
		}
	}

	side, secret, err := s.lookupMakerSecret(ctx, bet)
	if err != nil {
		return nil, err
	}

	guess, err := coinflip.RandomSide()
	if err != nil {
		return nil, err
	}

	// exatamente um accept concorrente passa daqui
	won, err := s.repo.BeginAccept(ctx, betID, acceptor, guess)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, coinflip.ErrRaceLost
	}

	ok, err := s.vault.LockFunds(ctx, acceptor, bet.Amount)
	if err != nil || !ok {
		_, _ = s.repo.RevertAccept(ctx, betID)
		if err != nil {
			return nil, err
		}
		return nil, coinflip.ErrInsufficientBalance
	}

	lockID, err := s.locks.Add(ctx, acceptor, bet.Amount)
	if err != nil {
		_ = s.vault.UnlockFunds(ctx, acceptor, bet.Amount)
		_, _ = s.repo.RevertAccept(ctx, betID)
		return nil, err
	}

	res, err := s.relay.RelayAcceptAndReveal(ctx, acceptor, betID, guess, side, secret, relayer.ModeAsync)
	if err != nil {
		_ = s.vault.UnlockFunds(ctx, acceptor, bet.Amount)
		_ = s.locks.Remove(ctx, acceptor, lockID)
		_, _ = s.repo.RevertAccept(ctx, betID)
		return nil, mapRelayErr(err)
	}

	_ = s.repo.SetAcceptTxHash(ctx, betID, res.TxHash)

	amount := bet.Amount
	maker := bet.MakerAddr
	s.background(func(ctx context.Context) {
		s.confirmAcceptAndReveal(ctx, betID, maker, acceptor, amount, guess, side, lockID, res.TxHash)
	})

	s.publishBet(ctx, events.BetEvent{BetID: betID, MakerAddr: maker, AcceptorAddr: acceptor,
		Amount: amount, Status: string(coinflip.StatusAccepting), TxHash: res.TxHash})
	return &AcceptResult{BetID: betID, Status: coinflip.StatusAccepting, Guess: guess, TxHash: res.TxHash}, nil
}

// Reveal resolve uma aposta parada em "accepted" (fluxo de duas etapas, ex.
// aceita por outro frontend): relaya o reveal com o segredo guardado.
func (s *Service) Reveal(ctx context.Context, maker string, betID int64) (*AcceptResult, error) {
	if err := s.inflight.Acquire(maker); err != nil {
		return nil, err
	}
	defer s.inflight.Release(maker)

	bet, err := s.repo.GetByBetID(ctx, betID)
	if err != nil {
		return nil, err
	}
	if bet.MakerAddr != maker {
		return nil, coinflip.ErrNotMaker
	}
	if bet.Status != coinflip.StatusAccepted {
		return nil, coinflip.ErrRaceLost
	}

	side, secret, err := s.lookupMakerSecret(ctx, bet)
	if err != nil {
		return nil, err
	}

	res, err := s.relay.RelayReveal(ctx, maker, betID, side, secret, relayer.ModeAsync)
	if err != nil {
		return nil, mapRelayErr(err)
	}

	acceptor := bet.AcceptorAddr
	guess := bet.AcceptorGuess
	amount := bet.Amount
	s.background(func(ctx context.Context) {
		s.confirmAcceptAndReveal(ctx, betID, maker, acceptor, amount, guess, side, "", res.TxHash)
	})
	return &AcceptResult{BetID: betID, Status: bet.Status, TxHash: res.TxHash}, nil
}

// CancelResult é a resposta imediata do cancel.
type CancelResult struct {
	BetID  int64
	Status coinflip.Status
	TxHash string
}

// CancelBet: só o maker cancela, e só aposta open. A transição condicional
// open→canceling protege contra um accept concorrente.
func (s *Service) CancelBet(ctx context.Context, maker string, betID int64) (*CancelResult, error) {
	if err := s.inflight.Acquire(maker); err != nil {
		return nil, err
	}
	defer s.inflight.Release(maker)

	bet, err := s.repo.GetByBetID(ctx, betID)
	if err != nil {
		return nil, err
	}
	if bet.MakerAddr != maker {
		return nil, coinflip.ErrNotMaker
	}

	won, err := s.repo.BeginCancel(ctx, betID, maker)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, coinflip.ErrRaceLost
	}

	res, err := s.relay.RelayCancelBet(ctx, maker, betID, relayer.ModeAsync)
	if err != nil {
		_, _ = s.repo.RevertCancel(ctx, betID)
		return nil, mapRelayErr(err)
	}

	amount := bet.Amount
	s.background(func(ctx context.Context) {
		s.confirmCancel(ctx, betID, maker, amount, res.TxHash)
	})

	s.publishBet(ctx, events.BetEvent{BetID: betID, MakerAddr: maker, Amount: amount,
		Status: string(coinflip.StatusCanceling), TxHash: res.TxHash})
	return &CancelResult{BetID: betID, Status: coinflip.StatusCanceling, TxHash: res.TxHash}, nil
}

// ClaimTimeout: o acceptor cobra a vitória quando o maker some depois do
// accept. Quem manda é o relógio da chain; aqui só um preflight barato.
func (s *Service) ClaimTimeout(ctx context.Context, acceptor string, betID int64) (*CancelResult, error) {
	if err := s.inflight.Acquire(acceptor); err != nil {
		return nil, err
	}
	defer s.inflight.Release(acceptor)

	bet, err := s.repo.GetByBetID(ctx, betID)
	if err != nil {
		return nil, err
	}
	if bet.Status != coinflip.StatusAccepted {
		return nil, coinflip.ErrRaceLost
	}
	if bet.AcceptorAddr != acceptor {
		return nil, coinflip.ErrNotAcceptor
	}
	if bet.AcceptedAt != nil && s.contractCfg.RevealTimeoutSecs > 0 {
		deadline := bet.AcceptedAt.Add(time.Duration(s.contractCfg.RevealTimeoutSecs) * time.Second)
		if time.Now().Before(deadline) {
			return nil, coinflip.ErrTimeoutNotPassed
		}
	}

	res, err := s.relay.RelayClaimTimeout(ctx, acceptor, betID, relayer.ModeAsync)
	if err != nil {
		return nil, mapRelayErr(err)
	}

	maker := bet.MakerAddr
	amount := bet.Amount
	s.background(func(ctx context.Context) {
		s.confirmClaimTimeout(ctx, betID, maker, acceptor, amount, res.TxHash)
	})
	return &CancelResult{BetID: betID, Status: bet.Status, TxHash: res.TxHash}, nil
}

// WithdrawResult/DepositResult respondem os fluxos de fundos.
type FundsResult struct {
	TxHash  string
	Balance vault.Balance
}

// Withdraw roda em modo sync: o usuário só recebe ok quando a chain confirmou.
// Em timeout de confirmação os fundos ficam reservados (pending lock) até a
// reconciliação observar o desfecho.
func (s *Service) Withdraw(ctx context.Context, user string, amount int64) (*FundsResult, error) {
	if amount <= 0 {
		return nil, coinflip.ErrInvalidAmount
	}
	if err := s.inflight.Acquire(user); err != nil {
		return nil, err
	}
	defer s.inflight.Release(user)

	bal, err := s.vault.BalanceOf(ctx, user)
	if err != nil {
		return nil, err
	}
	if bal.Available < amount {
		return nil, coinflip.ErrInsufficientBalance
	}

	lockID, err := s.locks.Add(ctx, user, amount)
	if err != nil {
		return nil, err
	}

	res, err := s.relay.RelayWithdraw(ctx, user, amount, relayer.ModeSync)
	if err != nil {
		if errors.Is(err, relayer.ErrConfirmTimeout) {
			// desfecho desconhecido: NÃO destrava; o pending lock segura a
			// janela e expira sozinho se a tx não tiver entrado
			return nil, coinflip.ErrRelayTimeout
		}
		_ = s.locks.Remove(ctx, user, lockID)
		return nil, mapRelayErr(err)
	}

	if ok, derr := s.vault.DeductBalance(ctx, user, amount, "withdraw:"+res.TxHash); derr != nil || !ok {
		// chain confirmou mas o débito local falhou; sync da chain corrige
		s.log.Warn("local deduct after withdraw failed", zap.String("user", user), zap.Error(derr))
	}
	_ = s.locks.Remove(ctx, user, lockID)

	newBal, _ := s.vault.BalanceOf(ctx, user)
	s.publishBalance(ctx, events.BalanceEvent{Address: user, Available: newBal.Available, Locked: newBal.Locked, Reason: "withdraw"})
	return &FundsResult{TxHash: res.TxHash, Balance: newBal}, nil
}

// Deposit envia o CW20 do usuário pro vault via hook de depósito, em modo sync.
func (s *Service) Deposit(ctx context.Context, user string, amount int64) (*FundsResult, error) {
	if amount <= 0 {
		return nil, coinflip.ErrInvalidAmount
	}
	if err := s.inflight.Acquire(user); err != nil {
		return nil, err
	}
	defer s.inflight.Release(user)

	res, err := s.relay.RelayDeposit(ctx, user, amount, relayer.ModeSync)
	if err != nil {
		if errors.Is(err, relayer.ErrConfirmTimeout) {
			return nil, coinflip.ErrRelayTimeout
		}
		return nil, mapRelayErr(err)
	}

	if err := s.vault.CreditWinner(ctx, user, amount, "deposit:"+res.TxHash); err != nil {
		s.log.Warn("local credit after deposit failed", zap.String("user", user), zap.Error(err))
	}

	newBal, _ := s.vault.BalanceOf(ctx, user)
	s.publishBalance(ctx, events.BalanceEvent{Address: user, Available: newBal.Available, Locked: newBal.Locked, Reason: "deposit"})
	return &FundsResult{TxHash: res.TxHash, Balance: newBal}, nil
}

// ---- consultas ----

func (s *Service) GetBet(ctx context.Context, betID int64) (*coinflip.Bet, error) {
	return s.repo.GetByBetID(ctx, betID)
}

func (s *Service) GetBetByID(ctx context.Context, id string) (*coinflip.Bet, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListOpenBets(ctx context.Context, limit int) ([]*coinflip.Bet, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListOpen(ctx, limit)
}

func (s *Service) ListUserBets(ctx context.Context, addr string, limit int) ([]*coinflip.Bet, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListByUser(ctx, addr, limit)
}

func (s *Service) VaultBalance(ctx context.Context, addr string) (vault.Balance, error) {
	return s.vault.BalanceOf(ctx, addr)
}

// ---- helpers ----

// lookupMakerSecret lê lado/segredo da linha da aposta, com fallback pro
// pending_secrets (a tarefa de confirmação do create pode não ter terminado).
// O commitment é re-verificado independente da fonte.
func (s *Service) lookupMakerSecret(ctx context.Context, bet *coinflip.Bet) (coinflip.Side, []byte, error) {
	side, secret := bet.MakerSide, bet.MakerSecret
	if len(secret) == 0 {
		ps, err := s.secrets.Get(ctx, bet.Commitment)
		if err != nil {
			if errors.Is(err, vault.ErrSecretNotFound) {
				return "", nil, coinflip.ErrSecretNotFound
			}
			return "", nil, err
		}
		side, secret = ps.Side, ps.Secret
	}
	if !coinflip.VerifyCommitment(bet.Commitment, bet.MakerAddr, side, secret) {
		return "", nil, coinflip.ErrBadCommitment
	}
	return side, secret, nil
}

// background agenda uma confirmação limitada pelo semáforo de fan-out.
func (s *Service) background(fn func(ctx context.Context)) {
	go func() {
		s.confirmSem <- struct{}{}
		defer func() { <-s.confirmSem }()
		fn(context.Background())
	}()
}

func (s *Service) publishBet(ctx context.Context, e events.BetEvent) {
	if err := s.publ.PublishBetEvent(ctx, e); err != nil {
		s.log.Warn("publish bet event", zap.Error(err))
	}
}

func (s *Service) publishBalance(ctx context.Context, e events.BalanceEvent) {
	if err := s.publ.PublishBalanceEvent(ctx, e); err != nil {
		s.log.Warn("publish balance event", zap.Error(err))
	}
}

// mapRelayErr traduz os erros do relayer pra taxonomia do core.
func mapRelayErr(err error) error {
	switch {
	case errors.Is(err, relayer.ErrNotReady):
		return coinflip.ErrRelayerNotReady
	case errors.Is(err, relayer.ErrRejected):
		return coinflip.ErrChainRejected
	case errors.Is(err, relayer.ErrConfirmTimeout):
		return coinflip.ErrRelayTimeout
	default:
		return fmt.Errorf("relay failed: %w", err)
	}
}
