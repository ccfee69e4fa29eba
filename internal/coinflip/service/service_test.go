package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radieske/coinflip-platform-poc/internal/chain"
	"github.com/radieske/coinflip-platform-poc/internal/coinflip"
	"github.com/radieske/coinflip-platform-poc/internal/relayer"
	"github.com/radieske/coinflip-platform-poc/internal/vault"
	"github.com/radieske/coinflip-platform-poc/pkg/contracts/events"
)

// ---- fakes ----

type fakeRepo struct {
	mu     sync.Mutex
	nextID int
	bets   map[string]*coinflip.Bet
}

func newFakeRepo() *fakeRepo { return &fakeRepo{bets: make(map[string]*coinflip.Bet)} }

func (r *fakeRepo) add(b *coinflip.Bet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.ID == "" {
		r.nextID++
		b.ID = fmt.Sprintf("local-%d", r.nextID)
	}
	r.bets[b.ID] = b
}

func (r *fakeRepo) byBetID(betID int64) *coinflip.Bet {
	for _, b := range r.bets {
		if b.BetID == betID {
			return b
		}
	}
	return nil
}

func (r *fakeRepo) snapshot(betID int64) coinflip.Bet {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b := r.byBetID(betID); b != nil {
		return *b
	}
	return coinflip.Bet{}
}

func (r *fakeRepo) snapshotByID(id string) coinflip.Bet {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bets[id]; ok {
		return *b
	}
	return coinflip.Bet{}
}

func (r *fakeRepo) CreateCreating(_ context.Context, maker string, amount int64, commitment []byte, createTxHash string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := fmt.Sprintf("local-%d", r.nextID)
	r.bets[id] = &coinflip.Bet{
		ID: id, MakerAddr: maker, Amount: amount, Commitment: commitment,
		Status: coinflip.StatusCreating, CreateTxHash: createTxHash, CreatedAt: time.Now(),
	}
	return id, nil
}

func (r *fakeRepo) MarkOpen(_ context.Context, id string, betID int64, side coinflip.Side, secret []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bets[id]
	if !ok || b.Status != coinflip.StatusCreating {
		return false, nil
	}
	b.BetID, b.MakerSide, b.MakerSecret, b.Status = betID, side, secret, coinflip.StatusOpen
	return true, nil
}

func (r *fakeRepo) MarkFailed(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bets[id]
	if !ok || b.Status != coinflip.StatusCreating {
		return false, nil
	}
	b.Status = coinflip.StatusFailed
	return true, nil
}

func (r *fakeRepo) BeginAccept(_ context.Context, betID int64, acceptor string, guess coinflip.Side) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.byBetID(betID)
	if b == nil || b.Status != coinflip.StatusOpen {
		return false, nil
	}
	now := time.Now()
	b.Status, b.AcceptorAddr, b.AcceptorGuess, b.AcceptedAt = coinflip.StatusAccepting, acceptor, guess, &now
	return true, nil
}

func (r *fakeRepo) RevertAccept(_ context.Context, betID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.byBetID(betID)
	if b == nil || b.Status != coinflip.StatusAccepting {
		return false, nil
	}
	b.Status, b.AcceptorAddr, b.AcceptedAt = coinflip.StatusOpen, "", nil
	return true, nil
}

func (r *fakeRepo) SetAcceptTxHash(_ context.Context, betID int64, txHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b := r.byBetID(betID); b != nil {
		b.AcceptTxHash = txHash
	}
	return nil
}

func (r *fakeRepo) MarkRevealed(_ context.Context, betID int64, winner string, payout, commission int64, resolveTxHash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.byBetID(betID)
	if b == nil || (b.Status != coinflip.StatusAccepting && b.Status != coinflip.StatusAccepted) {
		return false, nil
	}
	now := time.Now()
	b.Status, b.WinnerAddr, b.PayoutAmount, b.CommissionPaid = coinflip.StatusRevealed, winner, payout, commission
	b.ResolveTxHash, b.ResolvedAt = resolveTxHash, &now
	return true, nil
}

func (r *fakeRepo) BeginCancel(_ context.Context, betID int64, maker string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.byBetID(betID)
	if b == nil || b.Status != coinflip.StatusOpen || b.MakerAddr != maker {
		return false, nil
	}
	b.Status = coinflip.StatusCanceling
	return true, nil
}

func (r *fakeRepo) RevertCancel(_ context.Context, betID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.byBetID(betID)
	if b == nil || b.Status != coinflip.StatusCanceling {
		return false, nil
	}
	b.Status = coinflip.StatusOpen
	return true, nil
}

func (r *fakeRepo) MarkCanceled(_ context.Context, betID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.byBetID(betID)
	if b == nil || b.Status != coinflip.StatusCanceling {
		return false, nil
	}
	b.Status = coinflip.StatusCanceled
	return true, nil
}

func (r *fakeRepo) MarkTimeoutClaimed(_ context.Context, betID int64, winner string, payout, commission int64, resolveTxHash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.byBetID(betID)
	if b == nil || b.Status != coinflip.StatusAccepted {
		return false, nil
	}
	now := time.Now()
	b.Status, b.WinnerAddr, b.PayoutAmount, b.CommissionPaid = coinflip.StatusTimeoutClaimed, winner, payout, commission
	b.ResolveTxHash, b.ResolvedAt = resolveTxHash, &now
	return true, nil
}

func (r *fakeRepo) SetStatusFromChain(_ context.Context, betID int64, status coinflip.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b := r.byBetID(betID); b != nil {
		b.Status = status
	}
	return nil
}

func (r *fakeRepo) GetByBetID(_ context.Context, betID int64) (*coinflip.Bet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.byBetID(betID)
	if b == nil {
		return nil, coinflip.ErrBetNotFound
	}
	cp := *b
	return &cp, nil
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (*coinflip.Bet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bets[id]
	if !ok {
		return nil, coinflip.ErrBetNotFound
	}
	cp := *b
	return &cp, nil
}

func (r *fakeRepo) ListOpen(_ context.Context, _ int) ([]*coinflip.Bet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*coinflip.Bet
	for _, b := range r.bets {
		if b.Status == coinflip.StatusOpen {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListByUser(_ context.Context, addr string, _ int) ([]*coinflip.Bet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*coinflip.Bet
	for _, b := range r.bets {
		if b.MakerAddr == addr || b.AcceptorAddr == addr {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) CountOpenByMaker(_ context.Context, maker string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.bets {
		if b.MakerAddr == maker && (b.Status == coinflip.StatusCreating || b.Status == coinflip.StatusOpen) {
			n++
		}
	}
	return n, nil
}

type fakeVault struct {
	mu       sync.Mutex
	balances map[string]vault.Balance
}

func newFakeVault() *fakeVault { return &fakeVault{balances: make(map[string]vault.Balance)} }

func (v *fakeVault) set(addr string, available, locked int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[addr] = vault.Balance{Available: available, Locked: locked}
}

func (v *fakeVault) LockFunds(_ context.Context, addr string, amount int64) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b := v.balances[addr]
	if b.Available < amount {
		return false, nil
	}
	b.Available -= amount
	b.Locked += amount
	v.balances[addr] = b
	return true, nil
}

func (v *fakeVault) UnlockFunds(_ context.Context, addr string, amount int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	b := v.balances[addr]
	b.Locked -= amount
	b.Available += amount
	v.balances[addr] = b
	return nil
}

func (v *fakeVault) DeductBalance(_ context.Context, addr string, amount int64, _ string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b := v.balances[addr]
	if b.Available < amount {
		return false, nil
	}
	b.Available -= amount
	v.balances[addr] = b
	return true, nil
}

func (v *fakeVault) CreditWinner(_ context.Context, addr string, amount int64, _ string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	b := v.balances[addr]
	b.Available += amount
	v.balances[addr] = b
	return nil
}

func (v *fakeVault) SettleBet(_ context.Context, maker, acceptor string, amount int64, winner string, payout int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	mb := v.balances[maker]
	mb.Locked -= amount
	v.balances[maker] = mb
	ab := v.balances[acceptor]
	ab.Locked -= amount
	v.balances[acceptor] = ab
	wb := v.balances[winner]
	wb.Available += payout
	v.balances[winner] = wb
	return nil
}

func (v *fakeVault) SyncFromChain(_ context.Context, addr string, available, locked, _ int64) error {
	v.set(addr, available, locked)
	return nil
}

func (v *fakeVault) BalanceOf(_ context.Context, addr string) (vault.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[addr], nil
}

type fakeLocks struct {
	mu     sync.Mutex
	nextID int
	active map[string]int64 // lockID -> amount
}

func newFakeLocks() *fakeLocks { return &fakeLocks{active: make(map[string]int64)} }

func (l *fakeLocks) Add(_ context.Context, _ string, amount int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := fmt.Sprintf("lock-%d", l.nextID)
	l.active[id] = amount
	return id, nil
}

func (l *fakeLocks) Remove(_ context.Context, _, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, id)
	return nil
}

func (l *fakeLocks) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

type fakeSecrets struct {
	mu    sync.Mutex
	store map[string]*vault.PendingSecret
}

func newFakeSecrets() *fakeSecrets { return &fakeSecrets{store: make(map[string]*vault.PendingSecret)} }

func (s *fakeSecrets) Put(_ context.Context, commitment []byte, side coinflip.Side, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[string(commitment)] = &vault.PendingSecret{Commitment: commitment, Side: side, Secret: secret}
	return nil
}

func (s *fakeSecrets) SetTxHash(_ context.Context, commitment []byte, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.store[string(commitment)]; ok {
		ps.TxHash = txHash
	}
	return nil
}

func (s *fakeSecrets) Get(_ context.Context, commitment []byte) (*vault.PendingSecret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.store[string(commitment)]
	if !ok {
		return nil, vault.ErrSecretNotFound
	}
	cp := *ps
	return &cp, nil
}

func (s *fakeSecrets) Delete(_ context.Context, commitment []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.store, string(commitment))
	return nil
}

func (s *fakeSecrets) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.store)
}

// fakeRelay devolve sucesso imediato por padrão; erros e confirmações são
// roteirizáveis por operação.
type fakeRelay struct {
	mu       sync.Mutex
	errs     map[string]error
	waitTx   *chain.TxResult
	waitErr  error
	calls    []string
	block    chan struct{} // se não-nil, Relay* espera aqui
	lastArgs map[string]any
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{errs: make(map[string]error), lastArgs: make(map[string]any)}
}

func (f *fakeRelay) relay(op string) (*relayer.Result, error) {
	f.mu.Lock()
	blocked := f.block
	f.calls = append(f.calls, op)
	err := f.errs[op]
	f.mu.Unlock()
	if blocked != nil {
		<-blocked
	}
	if err != nil {
		return nil, err
	}
	return &relayer.Result{Success: true, TxHash: "TX-" + op}, nil
}

func (f *fakeRelay) RelayCreateBet(_ context.Context, _ string, _ int64, commitment []byte, _ relayer.Mode) (*relayer.Result, error) {
	f.mu.Lock()
	f.lastArgs["commitment"] = commitment
	f.mu.Unlock()
	return f.relay("create_bet")
}

func (f *fakeRelay) RelayAcceptAndReveal(_ context.Context, _ string, _ int64, guess, side coinflip.Side, secret []byte, _ relayer.Mode) (*relayer.Result, error) {
	f.mu.Lock()
	f.lastArgs["guess"], f.lastArgs["side"], f.lastArgs["secret"] = guess, side, secret
	f.mu.Unlock()
	return f.relay("accept_and_reveal")
}

func (f *fakeRelay) RelayReveal(_ context.Context, _ string, _ int64, side coinflip.Side, secret []byte, _ relayer.Mode) (*relayer.Result, error) {
	f.mu.Lock()
	f.lastArgs["side"], f.lastArgs["secret"] = side, secret
	f.mu.Unlock()
	return f.relay("reveal")
}

func (f *fakeRelay) RelayCancelBet(_ context.Context, _ string, _ int64, _ relayer.Mode) (*relayer.Result, error) {
	return f.relay("cancel_bet")
}

func (f *fakeRelay) RelayClaimTimeout(_ context.Context, _ string, _ int64, _ relayer.Mode) (*relayer.Result, error) {
	return f.relay("claim_timeout")
}

func (f *fakeRelay) RelayWithdraw(_ context.Context, _ string, _ int64, _ relayer.Mode) (*relayer.Result, error) {
	return f.relay("withdraw")
}

func (f *fakeRelay) RelayDeposit(_ context.Context, _ string, _ int64, _ relayer.Mode) (*relayer.Result, error) {
	return f.relay("deposit")
}

func (f *fakeRelay) WaitConfirm(_ context.Context, _ string, _ time.Duration) (*chain.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	if f.waitTx != nil {
		return f.waitTx, nil
	}
	return &chain.TxResult{Code: 0, Height: 1}, nil
}

func (f *fakeRelay) called(op string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == op {
			return true
		}
	}
	return false
}

type fakeQuerier struct {
	fn func(query any, out any) error
}

func (q *fakeQuerier) QuerySmart(_ context.Context, _ string, query any, out any) error {
	if q.fn == nil {
		return fmt.Errorf("no query scripted")
	}
	return q.fn(query, out)
}

type fakePublisher struct {
	mu       sync.Mutex
	bets     []events.BetEvent
	balances []events.BalanceEvent
}

func (p *fakePublisher) PublishBetEvent(_ context.Context, e events.BetEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bets = append(p.bets, e)
	return nil
}

func (p *fakePublisher) PublishBalanceEvent(_ context.Context, e events.BalanceEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances = append(p.balances, e)
	return nil
}

func (p *fakePublisher) lastBetStatus() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.bets) == 0 {
		return ""
	}
	return p.bets[len(p.bets)-1].Status
}

// ---- harness ----

type fixture struct {
	repo    *fakeRepo
	vault   *fakeVault
	locks   *fakeLocks
	secrets *fakeSecrets
	relay   *fakeRelay
	querier *fakeQuerier
	publ    *fakePublisher
	svc     *Service
}

func newFixture(t *testing.T, cfg coinflip.ContractConfig) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newFakeRepo(),
		vault:   newFakeVault(),
		locks:   newFakeLocks(),
		secrets: newFakeSecrets(),
		relay:   newFakeRelay(),
		querier: &fakeQuerier{},
		publ:    &fakePublisher{},
	}
	f.svc = New(zap.NewNop(), f.repo, f.vault, f.locks, f.secrets, f.relay, f.querier, f.publ, Options{
		ContractAddr:   "vault",
		ContractCfg:    cfg,
		ConfirmWorkers: 4,
		ConfirmCeiling: time.Second,
	})
	return f
}

func defaultCfg() coinflip.ContractConfig {
	return coinflip.ContractConfig{MinBet: 100, CommissionBps: 250, RevealTimeoutSecs: 300, BetTTLSecs: 3600, MaxOpenPerUser: 5}
}

func wasmEvents(attrs map[string]string) []chain.Event {
	ev := chain.Event{Type: "wasm"}
	for k, v := range attrs {
		ev.Attributes = append(ev.Attributes, chain.EventAttr{Key: k, Value: v})
	}
	return []chain.Event{ev}
}

func openBet(f *fixture, betID int64, maker string, amount int64) *coinflip.Bet {
	secret, _ := coinflip.NewSecret()
	side := coinflip.SideHeads
	b := &coinflip.Bet{
		BetID: betID, MakerAddr: maker, Amount: amount, Status: coinflip.StatusOpen,
		Commitment: coinflip.Commitment(maker, side, secret),
		MakerSide:  side, MakerSecret: secret, CreatedAt: time.Now(),
	}
	f.repo.add(b)
	return b
}

// ---- create ----

func TestCreateBetHappyPath(t *testing.T) {
	f := newFixture(t, defaultCfg())
	f.vault.set("maker", 1000, 0)
	f.relay.waitTx = &chain.TxResult{Code: 0, Height: 5, Events: wasmEvents(map[string]string{"bet_id": "7"})}

	res, err := f.svc.CreateBet(context.Background(), "maker", 500)
	require.NoError(t, err)
	assert.Equal(t, coinflip.StatusCreating, res.Status)
	assert.Equal(t, "TX-create_bet", res.TxHash)

	// fundos reservados imediatamente
	bal, _ := f.vault.BalanceOf(context.Background(), "maker")
	assert.Equal(t, int64(500), bal.Available)
	assert.Equal(t, int64(500), bal.Locked)

	// a confirmação em background promove pra open com o bet_id do evento
	require.Eventually(t, func() bool {
		return f.repo.snapshotByID(res.ID).Status == coinflip.StatusOpen
	}, 2*time.Second, 10*time.Millisecond)

	b := f.repo.snapshotByID(res.ID)
	assert.Equal(t, int64(7), b.BetID)
	assert.True(t, coinflip.VerifyCommitment(b.Commitment, "maker", b.MakerSide, b.MakerSecret))

	// segredo consumido e overlay liberado depois da linha durável
	require.Eventually(t, func() bool { return f.secrets.count() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.locks.count() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.publ.lastBetStatus() == "open" }, 2*time.Second, 10*time.Millisecond)
}

func TestCreateBetValidation(t *testing.T) {
	f := newFixture(t, defaultCfg())

	_, err := f.svc.CreateBet(context.Background(), "maker", 0)
	assert.ErrorIs(t, err, coinflip.ErrInvalidAmount)

	_, err = f.svc.CreateBet(context.Background(), "maker", 50)
	assert.ErrorIs(t, err, coinflip.ErrBelowMinBet)
}

func TestCreateBetInsufficientBalance(t *testing.T) {
	f := newFixture(t, defaultCfg())
	f.vault.set("maker", 100, 0)

	_, err := f.svc.CreateBet(context.Background(), "maker", 500)
	assert.ErrorIs(t, err, coinflip.ErrInsufficientBalance)
	assert.Equal(t, 0, f.secrets.count(), "segredo não pode sobrar de um create que falhou")
	assert.False(t, f.relay.called("create_bet"))
}

func TestCreateBetTooManyOpen(t *testing.T) {
	cfg := defaultCfg()
	cfg.MaxOpenPerUser = 1
	f := newFixture(t, cfg)
	f.vault.set("maker", 10_000, 0)
	openBet(f, 1, "maker", 100)

	_, err := f.svc.CreateBet(context.Background(), "maker", 500)
	assert.ErrorIs(t, err, coinflip.ErrTooManyOpenBets)
}

func TestCreateBetRelayRejectedCompensates(t *testing.T) {
	f := newFixture(t, defaultCfg())
	f.vault.set("maker", 1000, 0)
	f.relay.errs["create_bet"] = fmt.Errorf("%w: code 11", relayer.ErrRejected)

	_, err := f.svc.CreateBet(context.Background(), "maker", 500)
	assert.ErrorIs(t, err, coinflip.ErrChainRejected)

	bal, _ := f.vault.BalanceOf(context.Background(), "maker")
	assert.Equal(t, int64(1000), bal.Available, "fundos destravados")
	assert.Equal(t, 0, f.secrets.count())
	assert.Equal(t, 0, f.locks.count())
}

func TestCreateBetNotReady(t *testing.T) {
	f := newFixture(t, defaultCfg())
	f.vault.set("maker", 1000, 0)
	f.relay.errs["create_bet"] = relayer.ErrNotReady

	_, err := f.svc.CreateBet(context.Background(), "maker", 500)
	assert.ErrorIs(t, err, coinflip.ErrRelayerNotReady)
}

func TestCreateBetChainRejectionUnlocksInBackground(t *testing.T) {
	f := newFixture(t, defaultCfg())
	f.vault.set("maker", 1000, 0)
	f.relay.waitTx = &chain.TxResult{Code: 5, RawLog: "insufficient available balance"}

	res, err := f.svc.CreateBet(context.Background(), "maker", 500)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.repo.snapshotByID(res.ID).Status == coinflip.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		bal, _ := f.vault.BalanceOf(context.Background(), "maker")
		return bal.Available == 1000 && bal.Locked == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.secrets.count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCreateBetSerializedPerAddress(t *testing.T) {
	f := newFixture(t, defaultCfg())
	f.vault.set("maker", 10_000, 0)

	// primeiro create fica pendurado dentro do relay, segurando o inflight
	f.relay.block = make(chan struct{})
	done := make(chan struct{})
	go func() {
		_, _ = f.svc.CreateBet(context.Background(), "maker", 500)
		close(done)
	}()

	require.Eventually(t, func() bool { return f.relay.called("create_bet") }, 2*time.Second, 5*time.Millisecond)

	_, err := f.svc.CreateBet(context.Background(), "maker", 500)
	assert.ErrorIs(t, err, coinflip.ErrActionInProgress)

	close(f.relay.block)
	<-done
}

// ---- accept ----

func TestAcceptBetHappyPath(t *testing.T) {
	f := newFixture(t, defaultCfg())
	bet := openBet(f, 10, "maker", 400)
	f.vault.set("maker", 0, 400)
	f.vault.set("acceptor", 1000, 0)
	f.relay.waitTx = &chain.TxResult{Code: 0, Height: 8, Events: wasmEvents(map[string]string{
		"winner": "acceptor", "payout": "780", "commission": "20",
	})}

	res, err := f.svc.AcceptBet(context.Background(), "acceptor", 10)
	require.NoError(t, err)
	assert.Equal(t, coinflip.StatusAccepting, res.Status)
	assert.True(t, res.Guess.Valid())

	// o relay recebeu o segredo certo do maker
	f.relay.mu.Lock()
	assert.Equal(t, bet.MakerSide, f.relay.lastArgs["side"])
	assert.Equal(t, bet.MakerSecret, f.relay.lastArgs["secret"])
	f.relay.mu.Unlock()

	require.Eventually(t, func() bool {
		return f.repo.snapshot(10).Status == coinflip.StatusRevealed
	}, 2*time.Second, 10*time.Millisecond)

	b := f.repo.snapshot(10)
	assert.Equal(t, "acceptor", b.WinnerAddr)
	assert.Equal(t, int64(780), b.PayoutAmount)

	// liquidação: locks dos dois zerados, vencedor creditado
	require.Eventually(t, func() bool {
		ab, _ := f.vault.BalanceOf(context.Background(), "acceptor")
		return ab.Available == 600+780 && ab.Locked == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAcceptBetSelfAccept(t *testing.T) {
	f := newFixture(t, defaultCfg())
	openBet(f, 10, "maker", 400)

	_, err := f.svc.AcceptBet(context.Background(), "maker", 10)
	assert.ErrorIs(t, err, coinflip.ErrSelfAccept)
}

func TestAcceptBetNotOpen(t *testing.T) {
	f := newFixture(t, defaultCfg())
	b := openBet(f, 10, "maker", 400)
	b.Status = coinflip.StatusRevealed

	_, err := f.svc.AcceptBet(context.Background(), "acceptor", 10)
	assert.ErrorIs(t, err, coinflip.ErrRaceLost)
}

func TestAcceptBetExpired(t *testing.T) {
	cfg := defaultCfg()
	cfg.BetTTLSecs = 60
	f := newFixture(t, cfg)
	b := openBet(f, 10, "maker", 400)
	b.CreatedAt = time.Now().Add(-2 * time.Minute)

	_, err := f.svc.AcceptBet(context.Background(), "acceptor", 10)
	assert.ErrorIs(t, err, coinflip.ErrBetExpired)
}

func TestAcceptBetInsufficientBalanceReverts(t *testing.T) {
	f := newFixture(t, defaultCfg())
	openBet(f, 10, "maker", 400)
	f.vault.set("acceptor", 100, 0)

	_, err := f.svc.AcceptBet(context.Background(), "acceptor", 10)
	assert.ErrorIs(t, err, coinflip.ErrInsufficientBalance)
	assert.Equal(t, coinflip.StatusOpen, f.repo.snapshot(10).Status, "accepting revertido")
}

func TestAcceptBetSecretFallback(t *testing.T) {
	// linha da aposta ainda sem segredo (confirmação do create atrasada):
	// o accept recorre ao pending_secrets e re-verifica o commitment
	f := newFixture(t, defaultCfg())
	secret, _ := coinflip.NewSecret()
	commitment := coinflip.Commitment("maker", coinflip.SideTails, secret)
	f.repo.add(&coinflip.Bet{
		BetID: 11, MakerAddr: "maker", Amount: 300, Status: coinflip.StatusOpen,
		Commitment: commitment, CreatedAt: time.Now(),
	})
	require.NoError(t, f.secrets.Put(context.Background(), commitment, coinflip.SideTails, secret))
	f.vault.set("acceptor", 1000, 0)

	_, err := f.svc.AcceptBet(context.Background(), "acceptor", 11)
	require.NoError(t, err)

	f.relay.mu.Lock()
	assert.Equal(t, coinflip.SideTails, f.relay.lastArgs["side"])
	assert.Equal(t, secret, f.relay.lastArgs["secret"])
	f.relay.mu.Unlock()
}

func TestAcceptBetSecretMissing(t *testing.T) {
	f := newFixture(t, defaultCfg())
	secret, _ := coinflip.NewSecret()
	f.repo.add(&coinflip.Bet{
		BetID: 12, MakerAddr: "maker", Amount: 300, Status: coinflip.StatusOpen,
		Commitment: coinflip.Commitment("maker", coinflip.SideHeads, secret), CreatedAt: time.Now(),
	})
	f.vault.set("acceptor", 1000, 0)

	_, err := f.svc.AcceptBet(context.Background(), "acceptor", 12)
	assert.ErrorIs(t, err, coinflip.ErrSecretNotFound)
}

func TestAcceptBetBadCommitment(t *testing.T) {
	f := newFixture(t, defaultCfg())
	secret, _ := coinflip.NewSecret()
	b := openBet(f, 13, "maker", 300)
	b.MakerSecret = secret // não corresponde ao commitment gravado

	f.vault.set("acceptor", 1000, 0)
	_, err := f.svc.AcceptBet(context.Background(), "acceptor", 13)
	assert.ErrorIs(t, err, coinflip.ErrBadCommitment)
}

func TestAcceptBetChainRejectionRevertsInBackground(t *testing.T) {
	f := newFixture(t, defaultCfg())
	openBet(f, 10, "maker", 400)
	f.vault.set("acceptor", 1000, 0)
	f.relay.waitTx = &chain.TxResult{Code: 5, RawLog: "bet expired"}
	f.querier.fn = func(_ any, out any) error {
		return setJSONStatus(out, "canceled")
	}

	_, err := f.svc.AcceptBet(context.Background(), "acceptor", 10)
	require.NoError(t, err)

	// revert + resync: a rejeição devolve os fundos do acceptor
	require.Eventually(t, func() bool {
		bal, _ := f.vault.BalanceOf(context.Background(), "acceptor")
		return bal.Available == 1000 && bal.Locked == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.repo.snapshot(10).Status == coinflip.StatusCanceled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAcceptBetConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t, defaultCfg())
	openBet(f, 10, "maker", 400)
	f.vault.set("maker", 0, 400)

	const n = 8
	acceptors := make([]string, n)
	for i := range acceptors {
		acceptors[i] = fmt.Sprintf("acceptor-%d", i)
		f.vault.set(acceptors[i], 1000, 0)
	}

	// todos disputam a mesma aposta; a transição condicional open→accepting
	// deixa exatamente um passar
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	winner := ""
	for _, addr := range acceptors {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			_, err := f.svc.AcceptBet(context.Background(), addr, 10)
			if err == nil {
				mu.Lock()
				wins++
				winner = addr
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, coinflip.ErrRaceLost, "perdedor da corrida: %s", addr)
		}(addr)
	}
	wg.Wait()

	require.Equal(t, 1, wins, "exatamente um accept concorrente pode vencer")

	require.Eventually(t, func() bool {
		return f.repo.snapshot(10).Status == coinflip.StatusRevealed
	}, 2*time.Second, 10*time.Millisecond)

	// só o vencedor teve fundos travados; os perdedores saem intactos
	require.Eventually(t, func() bool {
		for _, addr := range acceptors {
			bal, _ := f.vault.BalanceOf(context.Background(), addr)
			if bal.Locked != 0 {
				return false
			}
			if addr != winner && bal.Available != 1000 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateBetConcurrentNeverOverLocks(t *testing.T) {
	// o maker tem saldo pra UMA aposta; dois creates simultâneos não podem
	// reservar duas vezes
	f := newFixture(t, defaultCfg())
	f.vault.set("maker", 500, 0)
	f.relay.waitTx = &chain.TxResult{Code: 0, Events: wasmEvents(map[string]string{"bet_id": "99"})}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateBet(context.Background(), "maker", 400)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			// ou a guarda de voo barrou na hora, ou o segundo chegou depois
			// do lock do primeiro e caiu no saldo
			if !errors.Is(err, coinflip.ErrActionInProgress) && !errors.Is(err, coinflip.ErrInsufficientBalance) {
				assert.Fail(t, "erro inesperado", "%v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins, "só um create pode reservar o saldo")
	bal, _ := f.vault.BalanceOf(context.Background(), "maker")
	assert.Equal(t, int64(400), bal.Locked)
	assert.Equal(t, int64(100), bal.Available)
}

// ---- cancel / claim ----

func TestCancelBetHappyPath(t *testing.T) {
	f := newFixture(t, defaultCfg())
	openBet(f, 20, "maker", 400)
	f.vault.set("maker", 0, 400)

	res, err := f.svc.CancelBet(context.Background(), "maker", 20)
	require.NoError(t, err)
	assert.Equal(t, coinflip.StatusCanceling, res.Status)

	require.Eventually(t, func() bool {
		return f.repo.snapshot(20).Status == coinflip.StatusCanceled
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		bal, _ := f.vault.BalanceOf(context.Background(), "maker")
		return bal.Available == 400 && bal.Locked == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelBetNotMaker(t *testing.T) {
	f := newFixture(t, defaultCfg())
	openBet(f, 20, "maker", 400)

	_, err := f.svc.CancelBet(context.Background(), "other", 20)
	assert.ErrorIs(t, err, coinflip.ErrNotMaker)
}

func TestCancelBetLosesRaceToAccept(t *testing.T) {
	f := newFixture(t, defaultCfg())
	b := openBet(f, 20, "maker", 400)
	b.Status = coinflip.StatusAccepting // um accept chegou primeiro

	_, err := f.svc.CancelBet(context.Background(), "maker", 20)
	assert.ErrorIs(t, err, coinflip.ErrRaceLost)
}

func TestClaimTimeoutTooEarly(t *testing.T) {
	f := newFixture(t, defaultCfg())
	now := time.Now()
	f.repo.add(&coinflip.Bet{
		BetID: 30, MakerAddr: "maker", AcceptorAddr: "acceptor", Amount: 400,
		Status: coinflip.StatusAccepted, AcceptedAt: &now, CreatedAt: now,
	})

	_, err := f.svc.ClaimTimeout(context.Background(), "acceptor", 30)
	assert.ErrorIs(t, err, coinflip.ErrTimeoutNotPassed)
}

func TestClaimTimeoutHappyPath(t *testing.T) {
	f := newFixture(t, defaultCfg())
	past := time.Now().Add(-time.Hour)
	f.repo.add(&coinflip.Bet{
		BetID: 30, MakerAddr: "maker", AcceptorAddr: "acceptor", Amount: 400,
		Status: coinflip.StatusAccepted, AcceptedAt: &past, CreatedAt: past,
	})
	f.vault.set("maker", 0, 400)
	f.vault.set("acceptor", 0, 400)
	f.relay.waitTx = &chain.TxResult{Code: 0, Events: wasmEvents(map[string]string{
		"payout": "780", "commission": "20",
	})}

	_, err := f.svc.ClaimTimeout(context.Background(), "acceptor", 30)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.repo.snapshot(30).Status == coinflip.StatusTimeoutClaimed
	}, 2*time.Second, 10*time.Millisecond)

	b := f.repo.snapshot(30)
	assert.Equal(t, "acceptor", b.WinnerAddr)
	assert.Equal(t, int64(780), b.PayoutAmount)
}

func TestClaimTimeoutWrongAcceptor(t *testing.T) {
	f := newFixture(t, defaultCfg())
	past := time.Now().Add(-time.Hour)
	f.repo.add(&coinflip.Bet{
		BetID: 30, MakerAddr: "maker", AcceptorAddr: "acceptor", Amount: 400,
		Status: coinflip.StatusAccepted, AcceptedAt: &past, CreatedAt: past,
	})

	_, err := f.svc.ClaimTimeout(context.Background(), "intruso", 30)
	assert.ErrorIs(t, err, coinflip.ErrNotAcceptor)
}

// ---- funds ----

func TestWithdrawHappyPath(t *testing.T) {
	f := newFixture(t, defaultCfg())
	f.vault.set("user", 1000, 0)

	res, err := f.svc.Withdraw(context.Background(), "user", 400)
	require.NoError(t, err)
	assert.Equal(t, "TX-withdraw", res.TxHash)
	assert.Equal(t, int64(600), res.Balance.Available)
	assert.Equal(t, 0, f.locks.count())
}

func TestWithdrawInsufficient(t *testing.T) {
	f := newFixture(t, defaultCfg())
	f.vault.set("user", 100, 0)

	_, err := f.svc.Withdraw(context.Background(), "user", 400)
	assert.ErrorIs(t, err, coinflip.ErrInsufficientBalance)
	assert.False(t, f.relay.called("withdraw"))
}

func TestWithdrawTimeoutKeepsPendingLock(t *testing.T) {
	f := newFixture(t, defaultCfg())
	f.vault.set("user", 1000, 0)
	f.relay.errs["withdraw"] = relayer.ErrConfirmTimeout

	_, err := f.svc.Withdraw(context.Background(), "user", 400)
	assert.ErrorIs(t, err, coinflip.ErrRelayTimeout)
	// desfecho desconhecido: o pending lock fica segurando a janela
	assert.Equal(t, 1, f.locks.count())
}

func TestWithdrawRejectedReleasesLock(t *testing.T) {
	f := newFixture(t, defaultCfg())
	f.vault.set("user", 1000, 0)
	f.relay.errs["withdraw"] = fmt.Errorf("%w: code 5", relayer.ErrRejected)

	_, err := f.svc.Withdraw(context.Background(), "user", 400)
	assert.ErrorIs(t, err, coinflip.ErrChainRejected)
	assert.Equal(t, 0, f.locks.count())
}

func TestDepositHappyPath(t *testing.T) {
	f := newFixture(t, defaultCfg())

	res, err := f.svc.Deposit(context.Background(), "user", 900)
	require.NoError(t, err)
	assert.Equal(t, int64(900), res.Balance.Available)
}

func TestLoadContractConfig(t *testing.T) {
	q := &fakeQuerier{fn: func(query any, out any) error {
		m, ok := query.(map[string]any)
		if !ok {
			return fmt.Errorf("query inesperada")
		}
		if _, ok := m["config"]; !ok {
			return fmt.Errorf("query inesperada")
		}
		cfg := out.(*coinflip.ContractConfig)
		cfg.MinBet = 100
		cfg.CommissionBps = 250
		return nil
	}}

	cfg, err := LoadContractConfig(context.Background(), q, "vault")
	require.NoError(t, err)
	assert.Equal(t, int64(100), cfg.MinBet)
	assert.Equal(t, uint16(250), cfg.CommissionBps)
}

// setJSONStatus preenche o out de uma smart query de status de aposta.
func setJSONStatus(out any, status string) error {
	return json.Unmarshal([]byte(`{"status":`+strconv.Quote(status)+`}`), out)
}
