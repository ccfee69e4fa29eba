package chainsim

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"time"

	"github.com/radieske/coinflip-platform-poc/internal/chain"
	"github.com/radieske/coinflip-platform-poc/internal/coinflip"
)

// Estado em memória do contrato coinflip-pvp-vault, com as mesmas regras e os
// mesmos atributos de evento do contrato real. Serve pro ambiente local e pros
// testes de integração do relayer.

type simBalance struct {
	Available int64
	Locked    int64
}

type simBet struct {
	ID         int64
	Maker      string
	Amount     int64
	Commitment []byte
	Status     coinflip.Status

	Acceptor      string
	AcceptorGuess coinflip.Side
	AcceptedAt    time.Time

	RevealSide coinflip.Side
	Winner     string
	Payout     int64
	Commission int64

	CreatedAt time.Time
}

type contractState struct {
	cfg       coinflip.ContractConfig
	treasury  string
	nextBetID int64
	balances  map[string]*simBalance
	bets      map[int64]*simBet
	openCount map[string]int
}

func newContractState(cfg coinflip.ContractConfig, treasury string) *contractState {
	return &contractState{
		cfg:       cfg,
		treasury:  treasury,
		nextBetID: 1,
		balances:  make(map[string]*simBalance),
		bets:      make(map[int64]*simBet),
		openCount: make(map[string]int),
	}
}

func (c *contractState) balance(addr string) *simBalance {
	b, ok := c.balances[addr]
	if !ok {
		b = &simBalance{}
		c.balances[addr] = b
	}
	return b
}

type execError struct{ log string }

func (e *execError) Error() string { return e.log }

func failf(format string, args ...any) error {
	return &execError{log: fmt.Sprintf(format, args...)}
}

func wasmEvent(attrs ...[2]string) chain.Event {
	ev := chain.Event{Type: "wasm"}
	for _, a := range attrs {
		ev.Attributes = append(ev.Attributes, chain.EventAttr{Key: a[0], Value: a[1]})
	}
	return ev
}

func (c *contractState) deposit(sender string, amount int64) ([]chain.Event, error) {
	b := c.balance(sender)
	b.Available += amount
	return []chain.Event{wasmEvent(
		[2]string{"action", "deposit"},
		[2]string{"depositor", sender},
		[2]string{"amount", strconv.FormatInt(amount, 10)},
	)}, nil
}

func (c *contractState) withdraw(sender string, amount int64) ([]chain.Event, error) {
	b := c.balance(sender)
	if b.Available < amount {
		return nil, failf("insufficient available balance: need %d have %d", amount, b.Available)
	}
	b.Available -= amount
	return []chain.Event{wasmEvent(
		[2]string{"action", "withdraw"},
		[2]string{"user", sender},
		[2]string{"amount", strconv.FormatInt(amount, 10)},
	)}, nil
}

func (c *contractState) createBet(sender string, amount int64, commitment []byte) ([]chain.Event, error) {
	if len(commitment) != sha256.Size {
		return nil, failf("invalid commitment length: %d", len(commitment))
	}
	if amount < c.cfg.MinBet {
		return nil, failf("bet amount below minimum: %d", c.cfg.MinBet)
	}
	b := c.balance(sender)
	if b.Available < amount {
		return nil, failf("insufficient available balance: need %d have %d", amount, b.Available)
	}
	if max := int(c.cfg.MaxOpenPerUser); max > 0 && c.openCount[sender] >= max {
		return nil, failf("too many open bets: max %d", max)
	}

	b.Available -= amount
	b.Locked += amount
	c.openCount[sender]++

	id := c.nextBetID
	c.nextBetID++
	c.bets[id] = &simBet{
		ID: id, Maker: sender, Amount: amount, Commitment: commitment,
		Status: coinflip.StatusOpen, CreatedAt: time.Now(),
	}

	return []chain.Event{wasmEvent(
		[2]string{"action", "coinflip.bet_created"},
		[2]string{"bet_id", strconv.FormatInt(id, 10)},
		[2]string{"maker", sender},
		[2]string{"amount", strconv.FormatInt(amount, 10)},
	)}, nil
}

func (c *contractState) acceptAndReveal(sender string, betID int64, guess, side coinflip.Side, secret []byte) ([]chain.Event, error) {
	bet, ok := c.bets[betID]
	if !ok {
		return nil, failf("bet not found: %d", betID)
	}
	if bet.Status != coinflip.StatusOpen {
		return nil, failf("invalid state transition: accept_and_reveal on %s", bet.Status)
	}
	if ttl := c.cfg.BetTTLSecs; ttl > 0 && time.Now().After(bet.CreatedAt.Add(time.Duration(ttl)*time.Second)) {
		return nil, failf("bet expired: %d", betID)
	}
	if bet.Maker == sender {
		return nil, failf("self accept not allowed")
	}
	acceptorBal := c.balance(sender)
	if acceptorBal.Available < bet.Amount {
		return nil, failf("insufficient available balance: need %d have %d", bet.Amount, acceptorBal.Available)
	}
	if !coinflip.VerifyCommitment(bet.Commitment, bet.Maker, side, secret) {
		return nil, failf("commitment mismatch")
	}

	winner := coinflip.Winner(side, guess, bet.Maker, sender)
	payout, commission := coinflip.Payout(bet.Amount, c.cfg.CommissionBps)

	acceptorBal.Available -= bet.Amount
	makerBal := c.balance(bet.Maker)
	makerBal.Locked -= bet.Amount
	c.balance(winner).Available += payout
	c.balance(c.treasury).Available += commission
	if c.openCount[bet.Maker] > 0 {
		c.openCount[bet.Maker]--
	}

	now := time.Now()
	bet.Status = coinflip.StatusRevealed
	bet.Acceptor = sender
	bet.AcceptorGuess = guess
	bet.AcceptedAt = now
	bet.RevealSide = side
	bet.Winner = winner
	bet.Payout = payout
	bet.Commission = commission

	return []chain.Event{wasmEvent(
		[2]string{"action", "coinflip.accept_and_reveal"},
		[2]string{"bet_id", strconv.FormatInt(betID, 10)},
		[2]string{"acceptor", sender},
		[2]string{"guess", string(guess)},
		[2]string{"side", string(side)},
		[2]string{"winner", winner},
		[2]string{"payout", strconv.FormatInt(payout, 10)},
		[2]string{"commission", strconv.FormatInt(commission, 10)},
	)}, nil
}

func (c *contractState) reveal(sender string, betID int64, side coinflip.Side, secret []byte) ([]chain.Event, error) {
	bet, ok := c.bets[betID]
	if !ok {
		return nil, failf("bet not found: %d", betID)
	}
	if bet.Status != coinflip.StatusAccepted {
		return nil, failf("invalid state transition: reveal on %s", bet.Status)
	}
	if bet.Maker != sender {
		return nil, failf("unauthorized")
	}
	if !coinflip.VerifyCommitment(bet.Commitment, bet.Maker, side, secret) {
		return nil, failf("commitment mismatch")
	}

	winner := coinflip.Winner(side, bet.AcceptorGuess, bet.Maker, bet.Acceptor)
	payout, commission := coinflip.Payout(bet.Amount, c.cfg.CommissionBps)

	makerBal := c.balance(bet.Maker)
	acceptorBal := c.balance(bet.Acceptor)
	makerBal.Locked -= bet.Amount
	acceptorBal.Locked -= bet.Amount
	c.balance(winner).Available += payout
	c.balance(c.treasury).Available += commission

	bet.Status = coinflip.StatusRevealed
	bet.RevealSide = side
	bet.Winner = winner
	bet.Payout = payout
	bet.Commission = commission

	return []chain.Event{wasmEvent(
		[2]string{"action", "coinflip.revealed"},
		[2]string{"bet_id", strconv.FormatInt(betID, 10)},
		[2]string{"side", string(side)},
		[2]string{"winner", winner},
		[2]string{"payout", strconv.FormatInt(payout, 10)},
		[2]string{"commission", strconv.FormatInt(commission, 10)},
	)}, nil
}

func (c *contractState) cancelBet(sender string, betID int64) ([]chain.Event, error) {
	bet, ok := c.bets[betID]
	if !ok {
		return nil, failf("bet not found: %d", betID)
	}
	if bet.Status != coinflip.StatusOpen {
		return nil, failf("invalid state transition: cancel on %s", bet.Status)
	}
	if bet.Maker != sender {
		return nil, failf("unauthorized")
	}

	b := c.balance(sender)
	b.Locked -= bet.Amount
	b.Available += bet.Amount
	if c.openCount[sender] > 0 {
		c.openCount[sender]--
	}
	bet.Status = coinflip.StatusCanceled

	return []chain.Event{wasmEvent(
		[2]string{"action", "coinflip.bet_canceled"},
		[2]string{"bet_id", strconv.FormatInt(betID, 10)},
	)}, nil
}

func (c *contractState) claimTimeout(sender string, betID int64) ([]chain.Event, error) {
	bet, ok := c.bets[betID]
	if !ok {
		return nil, failf("bet not found: %d", betID)
	}
	if bet.Status != coinflip.StatusAccepted {
		return nil, failf("invalid state transition: claim_timeout on %s", bet.Status)
	}
	if bet.Acceptor != sender {
		return nil, failf("unauthorized")
	}
	deadline := bet.AcceptedAt.Add(time.Duration(c.cfg.RevealTimeoutSecs) * time.Second)
	if !time.Now().After(deadline) {
		return nil, failf("reveal not yet expired")
	}

	payout, commission := coinflip.Payout(bet.Amount, c.cfg.CommissionBps)
	makerBal := c.balance(bet.Maker)
	acceptorBal := c.balance(sender)
	makerBal.Locked -= bet.Amount
	acceptorBal.Locked -= bet.Amount
	acceptorBal.Available += payout
	c.balance(c.treasury).Available += commission
	if c.openCount[bet.Maker] > 0 {
		c.openCount[bet.Maker]--
	}

	bet.Status = coinflip.StatusTimeoutClaimed
	bet.Winner = sender
	bet.Payout = payout
	bet.Commission = commission

	return []chain.Event{wasmEvent(
		[2]string{"action", "coinflip.timeout_claimed"},
		[2]string{"bet_id", strconv.FormatInt(betID, 10)},
		[2]string{"winner", sender},
		[2]string{"payout", strconv.FormatInt(payout, 10)},
		[2]string{"commission", strconv.FormatInt(commission, 10)},
	)}, nil
}
