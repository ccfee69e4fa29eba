package vault

import (
	"context"
	"database/sql"
	"fmt"
)

// Ledger é o saldo custodial por usuário, espelho eventual do vault on-chain.
// Toda mutação é um update condicional de uma linha só: a cláusula WHERE faz
// de lock otimista, então lockFunds concorrentes pro mesmo usuário nunca
// passam do saldo disponível.
type Ledger struct {
	db      *sql.DB
	pending *PendingLocks
}

func NewLedger(db *sql.DB, pending *PendingLocks) *Ledger {
	return &Ledger{db: db, pending: pending}
}

// Balance é a visão reportada: o overlay de pending locks desconta do
// disponível o que já foi broadcastado mas ainda não apareceu na chain.
type Balance struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
}

// ensureRow cria a linha zerada do usuário se ainda não existir.
func (l *Ledger) ensureRow(ctx context.Context, tx *sql.Tx, addr string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vault_balances(address, available, locked, chain_height)
		VALUES ($1, 0, 0, 0)
		ON CONFLICT (address) DO NOTHING`, addr)
	return err
}

// LockFunds move amount de available pra locked num único update condicional.
// Retorna false sem mutação quando o saldo não cobre.
func (l *Ledger) LockFunds(ctx context.Context, addr string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("lock amount must be positive")
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE vault_balances
		SET available = available - $2, locked = locked + $2, updated_at = NOW()
		WHERE address = $1 AND available >= $2`, addr, amount)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	if err := l.appendLedger(ctx, tx, addr, "LOCK", amount, ""); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// UnlockFunds devolve amount de locked pra available. Clampa em zero pra ser
// seguro contra chamada dupla depois de falha parcial.
func (l *Ledger) UnlockFunds(ctx context.Context, addr string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("unlock amount must be positive")
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE vault_balances
		SET available = available + LEAST(locked, $2),
		    locked = locked - LEAST(locked, $2),
		    updated_at = NOW()
		WHERE address = $1`, addr, amount); err != nil {
		return err
	}
	if err := l.appendLedger(ctx, tx, addr, "UNLOCK", amount, ""); err != nil {
		return err
	}
	return tx.Commit()
}

// DeductBalance debita available direto (fluxos sem lock: taxas, withdraw).
func (l *Ledger) DeductBalance(ctx context.Context, addr string, amount int64, reason string) (bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE vault_balances
		SET available = available - $2, updated_at = NOW()
		WHERE address = $1 AND available >= $2`, addr, amount)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	if err := l.appendLedger(ctx, tx, addr, "DEBIT", amount, reason); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// CreditWinner credita available (payout, refund). Cria a linha se preciso.
func (l *Ledger) CreditWinner(ctx context.Context, addr string, amount int64, reason string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := l.ensureRow(ctx, tx, addr); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE vault_balances
		SET available = available + $2, updated_at = NOW()
		WHERE address = $1`, addr, amount); err != nil {
		return err
	}
	if err := l.appendLedger(ctx, tx, addr, "CREDIT", amount, reason); err != nil {
		return err
	}
	return tx.Commit()
}

// SettleBet aplica localmente o desfecho que o contrato aplicou on-chain:
// destrava o stake dos dois lados e credita o payout no vencedor.
// Uma transação só; todas as linhas são da mesma tabela.
func (l *Ledger) SettleBet(ctx context.Context, maker, acceptor string, amount int64, winner string, payout int64) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, addr := range []string{maker, acceptor} {
		if err := l.ensureRow(ctx, tx, addr); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE vault_balances
			SET locked = locked - LEAST(locked, $2), updated_at = NOW()
			WHERE address = $1`, addr, amount); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE vault_balances
		SET available = available + $2, updated_at = NOW()
		WHERE address = $1`, winner, payout); err != nil {
		return err
	}
	if err := l.appendLedger(ctx, tx, winner, "PAYOUT", payout, ""); err != nil {
		return err
	}
	return tx.Commit()
}

// SyncFromChain reconcilia a linha local com a visão autoritativa da chain.
// O guard de altura impede que um sync velho sobrescreva estado mais novo.
func (l *Ledger) SyncFromChain(ctx context.Context, addr string, available, locked, height int64) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := l.ensureRow(ctx, tx, addr); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE vault_balances
		SET available = $2, locked = $3, chain_height = $4, updated_at = NOW()
		WHERE address = $1 AND chain_height <= $4`, addr, available, locked, height); err != nil {
		return err
	}
	return tx.Commit()
}

// ListAddresses lista endereços conhecidos pelo cofre, pra varredura de sync.
func (l *Ledger) ListAddresses(ctx context.Context, limit int) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT address FROM vault_balances ORDER BY updated_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// BalanceOf lê a linha e aplica o overlay: available menos os pending locks
// não expirados (clampado em zero), locked mais eles.
func (l *Ledger) BalanceOf(ctx context.Context, addr string) (Balance, error) {
	var b Balance
	err := l.db.QueryRowContext(ctx,
		`SELECT available, locked FROM vault_balances WHERE address = $1`, addr).
		Scan(&b.Available, &b.Locked)
	if err == sql.ErrNoRows {
		b = Balance{}
	} else if err != nil {
		return Balance{}, err
	}

	pending, err := l.pending.SumFor(ctx, addr)
	if err != nil {
		return Balance{}, err
	}
	return ApplyOverlay(b, pending), nil
}

// ApplyOverlay é a conta pura do overlay, separada pra ficar testável.
func ApplyOverlay(b Balance, pendingSum int64) Balance {
	b.Available -= pendingSum
	if b.Available < 0 {
		b.Available = 0
	}
	b.Locked += pendingSum
	return b
}

func (l *Ledger) appendLedger(ctx context.Context, tx *sql.Tx, addr, op string, amount int64, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vault_ledger(address, operation_type, amount, description)
		VALUES ($1, $2, $3, $4)`, addr, op, amount, description)
	return err
}
