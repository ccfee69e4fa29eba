package http

import "time"

type CreateBetRequest struct {
	MakerAddr string `json:"maker_addr"`
	Amount    int64  `json:"amount"`
}

type CreateBetResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "creating"
	TxHash string `json:"tx_hash"`
}

type AcceptBetRequest struct {
	AcceptorAddr string `json:"acceptor_addr"`
}

type AcceptBetResponse struct {
	BetID  int64  `json:"bet_id"`
	Status string `json:"status"` // "accepting"
	Guess  string `json:"guess,omitempty"`
	TxHash string `json:"tx_hash"`
}

type CancelBetRequest struct {
	MakerAddr string `json:"maker_addr"`
}

type ClaimTimeoutRequest struct {
	AcceptorAddr string `json:"acceptor_addr"`
}

type RevealRequest struct {
	MakerAddr string `json:"maker_addr"`
}

type ActionResponse struct {
	BetID  int64  `json:"bet_id"`
	Status string `json:"status"`
	TxHash string `json:"tx_hash"`
}

type FundsRequest struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

type FundsResponse struct {
	TxHash    string `json:"tx_hash"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
}

type BalanceResponse struct {
	Address   string `json:"address"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
}

// BetView é a projeção pública da aposta: lado/segredo do maker nunca saem
// antes da resolução.
type BetView struct {
	ID           string     `json:"id"`
	BetID        int64      `json:"bet_id,omitempty"`
	MakerAddr    string     `json:"maker_addr"`
	AcceptorAddr string     `json:"acceptor_addr,omitempty"`
	Amount       int64      `json:"amount"`
	Status       string     `json:"status"`
	Commitment   string     `json:"commitment"` // base64
	RevealSide   string     `json:"reveal_side,omitempty"`
	Guess        string     `json:"guess,omitempty"`
	WinnerAddr   string     `json:"winner_addr,omitempty"`
	PayoutAmount int64      `json:"payout_amount,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
