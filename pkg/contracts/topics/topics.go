package topics

const (
	// Apostas
	BetEvents = "bet_events"

	// Saldos do vault
	BalanceEvents = "balance_events"

	// DLQs
	BetEventsDLQ      = "bet_events_dlq"
	ReconciliationDLQ = "reconciliation_dlq"
)
