package coinflip

import "time"

// Side é o lado da moeda escolhido pelo maker ou chutado pelo acceptor.
type Side string

const (
	SideHeads Side = "heads"
	SideTails Side = "tails"
)

func (s Side) Valid() bool { return s == SideHeads || s == SideTails }

// Status da aposta. Estados transitórios ("creating", "accepting", "canceling")
// existem só do lado off-chain, enquanto a transação correspondente ainda não
// foi confirmada pela chain.
type Status string

const (
	StatusCreating       Status = "creating"
	StatusOpen           Status = "open"
	StatusAccepting      Status = "accepting"
	StatusAccepted       Status = "accepted"
	StatusRevealed       Status = "revealed"
	StatusCanceling      Status = "canceling"
	StatusCanceled       Status = "canceled"
	StatusTimeoutClaimed Status = "timeout_claimed"
	StatusFailed         Status = "failed" // create rejeitado pela chain; mantido pra auditoria
)

// Terminal indica se o status não admite mais transição.
func (s Status) Terminal() bool {
	switch s {
	case StatusRevealed, StatusCanceled, StatusTimeoutClaimed, StatusFailed:
		return true
	}
	return false
}

// Bet espelha off-chain uma aposta do contrato. BetID é atribuído pela chain,
// então fica zerado enquanto o status é "creating"; ID é a chave local.
type Bet struct {
	ID           string
	BetID        int64
	MakerAddr    string
	AcceptorAddr string
	Amount       int64
	Status       Status
	Commitment   []byte // imutável depois de criado

	// Preenchidos conforme o ciclo de vida avança
	MakerSide      Side   // nunca exposto antes do accept
	MakerSecret    []byte // idem
	AcceptorGuess  Side
	WinnerAddr     string
	PayoutAmount   int64
	CommissionPaid int64

	CreatedAt  time.Time
	AcceptedAt *time.Time
	ResolvedAt *time.Time

	CreateTxHash  string
	AcceptTxHash  string
	ResolveTxHash string
}

// Acceptance é a visão dos campos que só existem a partir do accept.
type Acceptance struct {
	AcceptorAddr string
	Guess        Side
	AcceptedAt   time.Time
}

// Resolution é a visão dos campos que só existem depois da resolução.
type Resolution struct {
	WinnerAddr     string
	PayoutAmount   int64
	CommissionPaid int64
	ResolvedAt     time.Time
}

// Acceptance retorna os campos de accept quando eles são válidos pro status atual.
func (b *Bet) Acceptance() (Acceptance, bool) {
	switch b.Status {
	case StatusAccepted, StatusRevealed, StatusTimeoutClaimed:
	default:
		return Acceptance{}, false
	}
	if b.AcceptedAt == nil {
		return Acceptance{}, false
	}
	return Acceptance{AcceptorAddr: b.AcceptorAddr, Guess: b.AcceptorGuess, AcceptedAt: *b.AcceptedAt}, true
}

// Resolution retorna os campos de resolução quando eles são válidos pro status atual.
func (b *Bet) Resolution() (Resolution, bool) {
	switch b.Status {
	case StatusRevealed, StatusTimeoutClaimed:
	default:
		return Resolution{}, false
	}
	if b.ResolvedAt == nil {
		return Resolution{}, false
	}
	return Resolution{
		WinnerAddr:     b.WinnerAddr,
		PayoutAmount:   b.PayoutAmount,
		CommissionPaid: b.CommissionPaid,
		ResolvedAt:     *b.ResolvedAt,
	}, true
}

// ContractConfig é o espelho da config do contrato, lida por smart query no boot.
type ContractConfig struct {
	MinBet            int64  `json:"min_bet,string"`
	CommissionBps     uint16 `json:"commission_bps"`
	RevealTimeoutSecs int64  `json:"reveal_timeout_secs"`
	BetTTLSecs        int64  `json:"bet_ttl_secs"`
	MaxOpenPerUser    uint16 `json:"max_open_per_user"`
}
