package chain

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// AccountQuerier é o pedaço do client que o SequenceManager usa pra resync.
type AccountQuerier interface {
	QueryAccount(ctx context.Context, addr string) (*Account, error)
}

// SequenceManager guarda a visão local de (account_number, sequence) da conta
// do relayer. Sequences precisam ser consumidas na ordem em que foram emitidas,
// então GetAndIncrement só pode ser chamado segurando o gate de broadcast —
// pular um número dessincroniza a conta até o próximo resync completo.
type SequenceManager struct {
	mu sync.Mutex

	client AccountQuerier
	addr   string
	log    *zap.Logger

	initialized   bool
	accountNumber uint64
	sequence      uint64
}

func NewSequenceManager(client AccountQuerier, relayerAddr string, log *zap.Logger) *SequenceManager {
	return &SequenceManager{client: client, addr: relayerAddr, log: log}
}

// Init busca o estado atual da conta na chain. Obrigatório antes do primeiro relay.
func (m *SequenceManager) Init(ctx context.Context) error {
	return m.Resync(ctx)
}

// Ready informa se o estado inicial já foi carregado.
func (m *SequenceManager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// GetAndIncrement emite o próximo sequence. O chamador tem que estar com o
// gate de broadcast adquirido.
func (m *SequenceManager) GetAndIncrement() (accountNumber, sequence uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return 0, 0, fmt.Errorf("sequence manager not initialized")
	}
	seq := m.sequence
	m.sequence++
	return m.accountNumber, seq, nil
}

// ForceSet sobrescreve o sequence local quando a chain reporta o valor esperado.
func (m *SequenceManager) ForceSet(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.Warn("sequence forced", zap.Uint64("from", m.sequence), zap.Uint64("to", seq))
	m.sequence = seq
}

// Resync refaz account_number e sequence a partir da chain. Usado na
// inicialização e quando o erro de mismatch não traz o valor esperado.
func (m *SequenceManager) Resync(ctx context.Context) error {
	acc, err := m.client.QueryAccount(ctx, m.addr)
	if err != nil {
		return fmt.Errorf("resync account %s: %w", m.addr, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.accountNumber = acc.AccountNumber
	m.sequence = acc.Sequence
	m.initialized = true
	m.log.Info("sequence resynced",
		zap.Uint64("account_number", acc.AccountNumber),
		zap.Uint64("sequence", acc.Sequence),
	)
	return nil
}
