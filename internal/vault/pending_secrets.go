package vault

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/radieske/coinflip-platform-poc/internal/coinflip"
)

var ErrSecretNotFound = errors.New("pending secret not found")

// PendingSecret é o segredo do maker gravado ANTES do broadcast do create_bet.
// Durabilidade vem antes do risco: se o processo cair entre o broadcast e a
// escrita da aposta, o segredo sobrevive aqui, chaveado pelo commitment.
type PendingSecret struct {
	Commitment []byte
	Side       coinflip.Side
	Secret     []byte
	TxHash     string
	CreatedAt  time.Time
}

// PendingSecrets persiste segredos pendentes no Postgres. O cache com TTL não
// serve aqui: perder um segredo é perder o fundo travado da aposta.
type PendingSecrets struct {
	db *sql.DB
}

func NewPendingSecrets(db *sql.DB) *PendingSecrets { return &PendingSecrets{db: db} }

// Put grava o segredo. Precisa ter retornado antes de qualquer broadcast.
func (s *PendingSecrets) Put(ctx context.Context, commitment []byte, side coinflip.Side, secret []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_secrets(commitment, side, secret)
		VALUES ($1, $2, $3)
		ON CONFLICT (commitment) DO NOTHING`, commitment, string(side), secret)
	return err
}

// SetTxHash anota o hash do create depois do broadcast, pra reconciliação.
func (s *PendingSecrets) SetTxHash(ctx context.Context, commitment []byte, txHash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_secrets SET tx_hash = $2 WHERE commitment = $1`, commitment, txHash)
	return err
}

// Get busca pelo commitment.
func (s *PendingSecrets) Get(ctx context.Context, commitment []byte) (*PendingSecret, error) {
	var (
		ps   PendingSecret
		side string
	)
	ps.Commitment = commitment
	err := s.db.QueryRowContext(ctx, `
		SELECT side, secret, COALESCE(tx_hash, ''), created_at
		FROM pending_secrets WHERE commitment = $1`, commitment).
		Scan(&side, &ps.Secret, &ps.TxHash, &ps.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, err
	}
	ps.Side = coinflip.Side(side)
	return &ps, nil
}

// Delete consome o segredo: chamado depois que ele foi copiado pra linha da
// aposta, ou quando o create falhou de vez. Deletar duas vezes não é erro.
func (s *PendingSecrets) Delete(ctx context.Context, commitment []byte) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_secrets WHERE commitment = $1`, commitment)
	return err
}

// Stale lista segredos antigos com tx_hash anotado, pra varredura de
// reconciliação depois de restart.
func (s *PendingSecrets) Stale(ctx context.Context, olderThan time.Duration) ([]PendingSecret, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT commitment, side, secret, COALESCE(tx_hash, ''), created_at
		FROM pending_secrets
		WHERE created_at < NOW() - make_interval(secs => $1)`, olderThan.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingSecret
	for rows.Next() {
		var (
			ps   PendingSecret
			side string
		)
		if err := rows.Scan(&ps.Commitment, &side, &ps.Secret, &ps.TxHash, &ps.CreatedAt); err != nil {
			return nil, err
		}
		ps.Side = coinflip.Side(side)
		out = append(out, ps)
	}
	return out, rows.Err()
}
