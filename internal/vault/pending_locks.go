package vault

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// PendingLocks é a camada de compensação entre "travamos fundos e broadcastamos
// o gasto" e "o saldo da chain reflete o gasto". Cada lock é uma chave Redis
// com TTL: se algum caminho de limpeza se perder, o lock expira sozinho e o
// saldo reportado volta ao normal sem intervenção.
type PendingLocks struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewPendingLocks(rdb *redis.Client, ttl time.Duration) *PendingLocks {
	if ttl == 0 {
		ttl = 90 * time.Second
	}
	return &PendingLocks{rdb: rdb, ttl: ttl}
}

func (p *PendingLocks) key(addr, id string) string {
	return fmt.Sprintf("pending_lock:%s:%s", addr, id)
}

// Add registra um lock pendente e retorna o id pra remoção posterior.
func (p *PendingLocks) Add(ctx context.Context, addr string, amount int64) (string, error) {
	id := uuid.NewString()
	if err := p.rdb.Set(ctx, p.key(addr, id), amount, p.ttl).Err(); err != nil {
		return "", fmt.Errorf("add pending lock: %w", err)
	}
	return id, nil
}

// Remove apaga um lock pelo id. Qualquer caminho de limpeza pode chamar;
// remover duas vezes não é erro.
func (p *PendingLocks) Remove(ctx context.Context, addr, id string) error {
	return p.rdb.Del(ctx, p.key(addr, id)).Err()
}

// SumFor soma os locks pendentes não expirados de um endereço.
func (p *PendingLocks) SumFor(ctx context.Context, addr string) (int64, error) {
	var (
		cursor uint64
		total  int64
	)
	pattern := p.key(addr, "*")
	for {
		keys, next, err := p.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return 0, fmt.Errorf("scan pending locks: %w", err)
		}
		for _, k := range keys {
			v, err := p.rdb.Get(ctx, k).Result()
			if err == redis.Nil {
				continue // expirou entre o scan e o get
			}
			if err != nil {
				return 0, err
			}
			n, _ := strconv.ParseInt(v, 10, 64)
			total += n
		}
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}
