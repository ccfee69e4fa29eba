package events

import "time"

// Evento publicado no tópico "balance_events" quando o saldo custodial muda.
type BalanceEvent struct {
	Address   string    `json:"address"`
	Available int64     `json:"available"`
	Locked    int64     `json:"locked"`
	Reason    string    `json:"reason"` // "deposit" | "withdraw" | "bet_locked" | "bet_settled" | "sync"
	Ts        time.Time `json:"ts"`
}
