package relayer

import (
	"context"
	"sync"
)

// Gate serializa os ciclos de assinar→broadcast→confirmar do relayer.
// É um mutex FIFO sem bloqueio de thread: cada Acquire entra numa corrente de
// canais e espera o anterior liberar, então a ordem de emissão dos sequences
// é exatamente a ordem de chegada. Uma chave assinante, um ciclo em voo.
type Gate struct {
	mu   sync.Mutex
	tail chan struct{}
}

func NewGate() *Gate {
	done := make(chan struct{})
	close(done) // ninguém segurando
	return &Gate{tail: done}
}

// Acquire entra na fila e retorna a função de release quando chega a vez.
// O release é idempotente. Se o contexto cancelar antes da vez, a posição na
// fila é repassada pro próximo sem travar a corrente.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	g.mu.Lock()
	prev := g.tail
	next := make(chan struct{})
	g.tail = next
	g.mu.Unlock()

	var once sync.Once
	rel := func() { once.Do(func() { close(next) }) }

	select {
	case <-prev:
		return rel, nil
	case <-ctx.Done():
		// desiste da vez mas mantém a corrente viva
		go func() {
			<-prev
			rel()
		}()
		return nil, ctx.Err()
	}
}
