package service

import (
	"sync"

	"github.com/radieske/coinflip-platform-poc/internal/coinflip"
)

// Inflight limita um endereço a uma operação de relay em voo por vez.
// A segunda tentativa é rejeitada na hora com erro retryável em vez de
// enfileirar — fila silenciosa viraria latência surpresa de vários segundos.
type Inflight struct {
	mu    sync.Mutex
	inUse map[string]struct{}
}

func NewInflight() *Inflight {
	return &Inflight{inUse: make(map[string]struct{})}
}

// Acquire reserva o endereço. Sempre liberar via defer, inclusive em erro.
func (g *Inflight) Acquire(addr string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inUse[addr]; busy {
		return coinflip.ErrActionInProgress
	}
	g.inUse[addr] = struct{}{}
	return nil
}

func (g *Inflight) Release(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inUse, addr)
}
