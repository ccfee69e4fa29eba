package events

import "time"

// Evento publicado no tópico "bet_events" a cada transição de estado de aposta.
type BetEvent struct {
	BetID        int64     `json:"bet_id"`
	MakerAddr    string    `json:"maker_addr"`
	AcceptorAddr string    `json:"acceptor_addr,omitempty"`
	Amount       int64     `json:"amount"`
	Status       string    `json:"status"` // "creating" | "open" | "revealed" | ...
	WinnerAddr   string    `json:"winner_addr,omitempty"`
	PayoutAmount int64     `json:"payout_amount,omitempty"`
	TxHash       string    `json:"tx_hash,omitempty"`
	Ts           time.Time `json:"ts"`
}
