package coinflip

import "errors"

// Taxonomia de erros do core. A camada HTTP traduz pra status code;
// nenhum erro carrega log cru da chain na mensagem visível ao usuário.
var (
	// ErrRelayerNotReady: chave/cliente do relayer ainda não inicializados.
	ErrRelayerNotReady = errors.New("relayer not ready")

	// ErrInsufficientBalance: pré-condição local falhou antes de qualquer chamada à chain.
	ErrInsufficientBalance = errors.New("insufficient available balance")

	// ErrRaceLost: update condicional não casou nenhuma linha (aposta já aceita/cancelada).
	ErrRaceLost = errors.New("bet already claimed or canceled")

	// ErrChainRejected: código de execução != 0; fundos destravados e estado revertido.
	ErrChainRejected = errors.New("transaction rejected by chain")

	// ErrRelayTimeout: broadcast aceito mas confirmação não observada no teto de polling.
	// Fundos continuam travados; reconciliação resolve depois.
	ErrRelayTimeout = errors.New("relay confirmation timeout")

	// ErrActionInProgress: já existe operação em voo pro mesmo endereço.
	ErrActionInProgress = errors.New("another action in progress for this address")

	ErrBetNotFound      = errors.New("bet not found")
	ErrNotMaker         = errors.New("only the maker can cancel")
	ErrNotAcceptor      = errors.New("only the acceptor can claim timeout")
	ErrSelfAccept       = errors.New("maker cannot accept own bet")
	ErrBetExpired       = errors.New("bet expired")
	ErrBelowMinBet      = errors.New("amount below minimum bet")
	ErrTooManyOpenBets  = errors.New("too many open bets")
	ErrSecretNotFound   = errors.New("maker secret not found")
	ErrBadCommitment    = errors.New("commitment verification failed")
	ErrInvalidSide      = errors.New("invalid side")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrTimeoutNotPassed = errors.New("reveal timeout not yet expired")
)
