package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/radieske/coinflip-platform-poc/internal/coinflip"
)

// Postgres implementa a persistência de apostas. Toda transição de status é um
// update condicional `WHERE status = <esperado>`: exatamente uma das chamadas
// concorrentes ganha a corrida, as outras veem zero linhas afetadas.
type Postgres struct{ db *sql.DB }

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

const betColumns = `
	id, bet_id, maker_addr, COALESCE(acceptor_addr, ''), amount, status,
	COALESCE(maker_side, ''), maker_secret, COALESCE(acceptor_guess, ''), commitment,
	COALESCE(winner_addr, ''), payout_amount, commission_paid,
	created_at, accepted_at, resolved_at,
	COALESCE(create_tx_hash, ''), COALESCE(accept_tx_hash, ''), COALESCE(resolve_tx_hash, '')`

// CreateCreating insere a aposta recém-broadcastada, ainda sem bet_id da chain.
// O segredo NÃO entra aqui; ele só é copiado do pending_secrets na confirmação.
func (p *Postgres) CreateCreating(ctx context.Context, maker string, amount int64, commitment []byte, createTxHash string) (string, error) {
	id := uuid.NewString()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bets (id, maker_addr, amount, status, commitment, create_tx_hash)
		VALUES ($1, $2, $3, 'creating', $4, $5)`,
		id, maker, amount, commitment, createTxHash)
	if err != nil {
		return "", err
	}
	return id, nil
}

// MarkOpen confirma o create: grava o bet_id atribuído pela chain e copia
// lado/segredo do maker pra linha. Só sai de "creating".
func (p *Postgres) MarkOpen(ctx context.Context, id string, betID int64, side coinflip.Side, secret []byte) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bets SET bet_id=$2, status='open', maker_side=$3, maker_secret=$4, updated_at=NOW()
		WHERE id=$1 AND status='creating'`, id, betID, string(side), secret)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkFailed marca um create rejeitado pela chain. Linha fica pra auditoria.
func (p *Postgres) MarkFailed(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bets SET status='failed', updated_at=NOW()
		WHERE id=$1 AND status='creating'`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// BeginAccept tenta a transição open→accepting com os dados do acceptor.
// Quem não afetar linha perdeu a corrida.
func (p *Postgres) BeginAccept(ctx context.Context, betID int64, acceptor string, guess coinflip.Side) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bets
		SET status='accepting', acceptor_addr=$2, acceptor_guess=$3,
		    accepted_at=NOW(), updated_at=NOW()
		WHERE bet_id=$1 AND status='open'`, betID, acceptor, string(guess))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetAcceptTxHash anota o hash do accept depois do broadcast.
func (p *Postgres) SetAcceptTxHash(ctx context.Context, betID int64, txHash string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE bets SET accept_tx_hash=$2, updated_at=NOW() WHERE bet_id=$1`, betID, txHash)
	return err
}

// RevertAccept desfaz accepting→open quando o relay falhou.
func (p *Postgres) RevertAccept(ctx context.Context, betID int64) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bets
		SET status='open', acceptor_addr=NULL, acceptor_guess=NULL,
		    accept_tx_hash=NULL, accepted_at=NULL, updated_at=NOW()
		WHERE bet_id=$1 AND status='accepting'`, betID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkRevealed finaliza a aposta resolvida (via accept_and_reveal ou reveal).
func (p *Postgres) MarkRevealed(ctx context.Context, betID int64, winner string, payout, commission int64, resolveTxHash string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bets
		SET status='revealed', winner_addr=$2, payout_amount=$3, commission_paid=$4,
		    resolve_tx_hash=$5, resolved_at=NOW(), updated_at=NOW()
		WHERE bet_id=$1 AND status IN ('accepting', 'accepted')`,
		betID, winner, payout, commission, resolveTxHash)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// BeginCancel tenta open→canceling; protege contra accept concorrente.
func (p *Postgres) BeginCancel(ctx context.Context, betID int64, maker string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bets SET status='canceling', updated_at=NOW()
		WHERE bet_id=$1 AND maker_addr=$2 AND status='open'`, betID, maker)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RevertCancel desfaz canceling→open quando o relay falhou.
func (p *Postgres) RevertCancel(ctx context.Context, betID int64) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bets SET status='open', updated_at=NOW()
		WHERE bet_id=$1 AND status='canceling'`, betID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkCanceled confirma o cancelamento.
func (p *Postgres) MarkCanceled(ctx context.Context, betID int64) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bets SET status='canceled', resolved_at=NOW(), updated_at=NOW()
		WHERE bet_id=$1 AND status IN ('canceling', 'open')`, betID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkAccepted registra um accept de duas etapas observado na chain
// (fluxo antigo accept→reveal; pode vir de outro frontend).
func (p *Postgres) MarkAccepted(ctx context.Context, betID int64, acceptor string, guess coinflip.Side) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bets
		SET status='accepted', acceptor_addr=$2, acceptor_guess=$3,
		    accepted_at=NOW(), updated_at=NOW()
		WHERE bet_id=$1 AND status IN ('open', 'accepting')`, betID, acceptor, string(guess))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkTimeoutClaimed finaliza via claim de timeout do acceptor.
func (p *Postgres) MarkTimeoutClaimed(ctx context.Context, betID int64, winner string, payout, commission int64, resolveTxHash string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bets
		SET status='timeout_claimed', winner_addr=$2, payout_amount=$3, commission_paid=$4,
		    resolve_tx_hash=$5, resolved_at=NOW(), updated_at=NOW()
		WHERE bet_id=$1 AND status='accepted'`,
		betID, winner, payout, commission, resolveTxHash)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetStatusFromChain força um status reconciliado da chain (sem guarda de
// transição; só a reconciliação usa).
func (p *Postgres) SetStatusFromChain(ctx context.Context, betID int64, status coinflip.Status) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE bets SET status=$2, updated_at=NOW() WHERE bet_id=$1`, betID, string(status))
	return err
}

func (p *Postgres) GetByBetID(ctx context.Context, betID int64) (*coinflip.Bet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+betColumns+` FROM bets WHERE bet_id=$1`, betID)
	return scanBet(row)
}

// GetByCommitment acha a aposta dona de um segredo pendente na reconciliação.
func (p *Postgres) GetByCommitment(ctx context.Context, commitment []byte) (*coinflip.Bet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+betColumns+` FROM bets WHERE commitment=$1`, commitment)
	return scanBet(row)
}

func (p *Postgres) GetByID(ctx context.Context, id string) (*coinflip.Bet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+betColumns+` FROM bets WHERE id=$1`, id)
	return scanBet(row)
}

// ListOpen lista apostas abertas, mais novas primeiro.
func (p *Postgres) ListOpen(ctx context.Context, limit int) ([]*coinflip.Bet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+betColumns+` FROM bets
		WHERE status='open' ORDER BY bet_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return scanBets(rows)
}

// ListByUser lista apostas em que o endereço é maker ou acceptor.
func (p *Postgres) ListByUser(ctx context.Context, addr string, limit int) ([]*coinflip.Bet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+betColumns+` FROM bets
		WHERE maker_addr=$1 OR acceptor_addr=$1
		ORDER BY created_at DESC LIMIT $2`, addr, limit)
	if err != nil {
		return nil, err
	}
	return scanBets(rows)
}

// ListStuck retorna apostas paradas em estado transitório há mais tempo que a
// janela de graça. A varredura de reconciliação resolve uma a uma.
func (p *Postgres) ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]*coinflip.Bet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+betColumns+` FROM bets
		WHERE status IN ('creating', 'accepting', 'canceling')
		  AND updated_at < NOW() - make_interval(secs => $1)
		ORDER BY updated_at ASC LIMIT $2`, olderThan.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	return scanBets(rows)
}

// CountOpenByMaker apoia o preflight de max_open_per_user.
func (p *Postgres) CountOpenByMaker(ctx context.Context, maker string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bets
		WHERE maker_addr=$1 AND status IN ('creating', 'open')`, maker).Scan(&n)
	return n, err
}

type scanner interface{ Scan(dest ...any) error }

func scanBet(row scanner) (*coinflip.Bet, error) {
	var (
		b          coinflip.Bet
		betID      sql.NullInt64
		side       string
		guess      string
		acceptedAt sql.NullTime
		resolvedAt sql.NullTime
	)
	err := row.Scan(
		&b.ID, &betID, &b.MakerAddr, &b.AcceptorAddr, &b.Amount, &b.Status,
		&side, &b.MakerSecret, &guess, &b.Commitment,
		&b.WinnerAddr, &b.PayoutAmount, &b.CommissionPaid,
		&b.CreatedAt, &acceptedAt, &resolvedAt,
		&b.CreateTxHash, &b.AcceptTxHash, &b.ResolveTxHash,
	)
	if err == sql.ErrNoRows {
		return nil, coinflip.ErrBetNotFound
	}
	if err != nil {
		return nil, err
	}
	b.BetID = betID.Int64
	b.MakerSide = coinflip.Side(side)
	b.AcceptorGuess = coinflip.Side(guess)
	if acceptedAt.Valid {
		b.AcceptedAt = &acceptedAt.Time
	}
	if resolvedAt.Valid {
		b.ResolvedAt = &resolvedAt.Time
	}
	return &b, nil
}

func scanBets(rows *sql.Rows) ([]*coinflip.Bet, error) {
	defer rows.Close()
	var out []*coinflip.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
