package chainsim

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"go.uber.org/zap"

	"github.com/radieske/coinflip-platform-poc/internal/chain"
	"github.com/radieske/coinflip-platform-poc/internal/coinflip"
)

// Node simula o full node: mempool com CheckTx (assinatura + sequência),
// inclusão em bloco após blockTime e os endpoints REST que o client consome.
type Node struct {
	mu sync.Mutex

	log       *zap.Logger
	chainID   string
	vaultAddr string
	tokenAddr string
	blockTime time.Duration

	height   int64
	accounts map[string]*chain.Account
	nextAcct uint64

	contract *contractState
	cw20     map[string]int64

	txs  map[string]*includedTx
	seen map[string]bool
}

type includedTx struct {
	result  chain.TxResult
	readyAt time.Time
}

type Options struct {
	ChainID   string
	VaultAddr string
	TokenAddr string
	Treasury  string
	BlockTime time.Duration
	Config    coinflip.ContractConfig
}

func NewNode(log *zap.Logger, opts Options) *Node {
	if opts.BlockTime <= 0 {
		opts.BlockTime = time.Second
	}
	return &Node{
		log:       log,
		chainID:   opts.ChainID,
		vaultAddr: opts.VaultAddr,
		tokenAddr: opts.TokenAddr,
		blockTime: opts.BlockTime,
		height:    1,
		accounts:  make(map[string]*chain.Account),
		contract:  newContractState(opts.Config, opts.Treasury),
		cw20:      make(map[string]int64),
		txs:       make(map[string]*includedTx),
		seen:      make(map[string]bool),
	}
}

func (n *Node) account(addr string) *chain.Account {
	a, ok := n.accounts[addr]
	if !ok {
		a = &chain.Account{AccountNumber: n.nextAcct}
		n.nextAcct++
		n.accounts[addr] = a
	}
	return a
}

// FundCW20 credita tokens direto na carteira (faucet de desenvolvimento).
func (n *Node) FundCW20(addr string, amount int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cw20[addr] += amount
}

// FundVault credita saldo disponível direto no cofre (atalho de teste).
func (n *Node) FundVault(addr string, amount int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.contract.balance(addr).Available += amount
}

// Broadcast é o CheckTx: valida assinatura e sequência, inclui no "bloco"
// seguinte e devolve o resultado imediato do mempool.
func (n *Node) Broadcast(txBytes []byte) *chain.BroadcastResult {
	hash := chain.TxHash(txBytes)

	var tx chain.Tx
	if err := json.Unmarshal(txBytes, &tx); err != nil {
		return &chain.BroadcastResult{TxHash: hash, CheckTxCode: 2, RawLog: "tx parse error: " + err.Error()}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.seen[hash] {
		return &chain.BroadcastResult{TxHash: hash, CheckTxCode: 19, RawLog: "tx already exists in mempool"}
	}

	if err := n.verifySignature(&tx); err != nil {
		return &chain.BroadcastResult{TxHash: hash, CheckTxCode: 4, RawLog: err.Error()}
	}

	acct := n.account(tx.AuthInfo.Signer)
	if tx.AuthInfo.Sequence != acct.Sequence {
		return &chain.BroadcastResult{
			TxHash:      hash,
			CheckTxCode: 32,
			RawLog: fmt.Sprintf("account sequence mismatch, expected %d, got %d: incorrect account sequence",
				acct.Sequence, tx.AuthInfo.Sequence),
		}
	}

	// Passou no CheckTx: a sequência avança mesmo que a execução falhe depois.
	acct.Sequence++
	n.seen[hash] = true
	n.height++

	result := n.deliver(&tx)
	result.Height = n.height
	n.txs[hash] = &includedTx{result: result, readyAt: time.Now().Add(n.blockTime)}

	n.log.Debug("tx included",
		zap.String("tx_hash", hash),
		zap.Int64("height", n.height),
		zap.Uint32("code", result.Code))

	return &chain.BroadcastResult{TxHash: hash, MempoolAccepted: true}
}

// verifySignature recupera a chave pública da assinatura compacta e confere
// que o endereço derivado bate com o signer declarado.
func (n *Node) verifySignature(tx *chain.Tx) error {
	sig, err := base64.StdEncoding.DecodeString(tx.Signature)
	if err != nil {
		return fmt.Errorf("signature decode: %w", err)
	}
	acct := n.account(tx.AuthInfo.Signer)
	doc, err := json.Marshal(struct {
		ChainID       string       `json:"chain_id"`
		AccountNumber uint64       `json:"account_number,string"`
		Sequence      uint64       `json:"sequence,string"`
		Body          chain.TxBody `json:"body"`
		FeeGranter    string       `json:"fee_granter,omitempty"`
	}{n.chainID, acct.AccountNumber, tx.AuthInfo.Sequence, tx.Body, tx.AuthInfo.Fee.Granter})
	if err != nil {
		return err
	}
	digest := sha256.Sum256(doc)
	pub, _, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return fmt.Errorf("signature recover: %w", err)
	}
	if chain.AddressFromPubKey(pub.SerializeCompressed()) != tx.AuthInfo.Signer {
		return fmt.Errorf("signature verification failed for %s", tx.AuthInfo.Signer)
	}
	return nil
}

// deliver executa as mensagens. Falha em qualquer uma aborta o tx inteiro.
func (n *Node) deliver(tx *chain.Tx) chain.TxResult {
	var all []chain.Event
	for _, msg := range tx.Body.Messages {
		evs, err := n.applyMsg(msg)
		if err != nil {
			return chain.TxResult{Code: 5, RawLog: "failed to execute message: " + err.Error()}
		}
		all = append(all, evs...)
	}
	return chain.TxResult{Code: 0, Events: all}
}

func (n *Node) applyMsg(msg chain.Msg) ([]chain.Event, error) {
	switch msg["@type"] {
	case "/cosmos.authz.v1beta1.MsgExec":
		raw, _ := json.Marshal(msg["msgs"])
		var inner []chain.Msg
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("msg_exec decode: %w", err)
		}
		var all []chain.Event
		for _, m := range inner {
			evs, err := n.applyMsg(m)
			if err != nil {
				return nil, err
			}
			all = append(all, evs...)
		}
		return all, nil

	case "/cosmwasm.wasm.v1.MsgExecuteContract":
		sender, _ := msg["sender"].(string)
		contract, _ := msg["contract"].(string)
		raw, _ := json.Marshal(msg["msg"])
		return n.executeContract(sender, contract, raw)

	default:
		return nil, fmt.Errorf("unsupported msg type %v", msg["@type"])
	}
}

func (n *Node) executeContract(sender, contract string, rawMsg []byte) ([]chain.Event, error) {
	switch contract {
	case n.vaultAddr:
		return n.executeVault(sender, rawMsg)
	case n.tokenAddr:
		return n.executeCW20(sender, rawMsg)
	default:
		return nil, fmt.Errorf("unknown contract %s", contract)
	}
}

type vaultExecMsg struct {
	CreateBet *struct {
		Amount     int64  `json:"amount,string"`
		Commitment []byte `json:"commitment"`
	} `json:"create_bet"`
	AcceptAndReveal *struct {
		BetID  int64  `json:"bet_id"`
		Guess  string `json:"guess"`
		Side   string `json:"side"`
		Secret []byte `json:"secret"`
	} `json:"accept_and_reveal"`
	Reveal *struct {
		BetID  int64  `json:"bet_id"`
		Side   string `json:"side"`
		Secret []byte `json:"secret"`
	} `json:"reveal"`
	CancelBet *struct {
		BetID int64 `json:"bet_id"`
	} `json:"cancel_bet"`
	ClaimTimeout *struct {
		BetID int64 `json:"bet_id"`
	} `json:"claim_timeout"`
	Withdraw *struct {
		Amount int64 `json:"amount,string"`
	} `json:"withdraw"`
	Receive *struct {
		Sender string `json:"sender"`
		Amount int64  `json:"amount,string"`
		Msg    []byte `json:"msg"`
	} `json:"receive"`
}

func (n *Node) executeVault(sender string, rawMsg []byte) ([]chain.Event, error) {
	var m vaultExecMsg
	if err := json.Unmarshal(rawMsg, &m); err != nil {
		return nil, fmt.Errorf("vault msg decode: %w", err)
	}

	switch {
	case m.CreateBet != nil:
		return n.contract.createBet(sender, m.CreateBet.Amount, m.CreateBet.Commitment)
	case m.AcceptAndReveal != nil:
		a := m.AcceptAndReveal
		return n.contract.acceptAndReveal(sender, a.BetID, coinflip.Side(a.Guess), coinflip.Side(a.Side), a.Secret)
	case m.Reveal != nil:
		return n.contract.reveal(sender, m.Reveal.BetID, coinflip.Side(m.Reveal.Side), m.Reveal.Secret)
	case m.CancelBet != nil:
		return n.contract.cancelBet(sender, m.CancelBet.BetID)
	case m.ClaimTimeout != nil:
		return n.contract.claimTimeout(sender, m.ClaimTimeout.BetID)
	case m.Withdraw != nil:
		evs, err := n.contract.withdraw(sender, m.Withdraw.Amount)
		if err != nil {
			return nil, err
		}
		// devolução sai do contrato como transfer CW20
		n.cw20[sender] += m.Withdraw.Amount
		return evs, nil
	case m.Receive != nil:
		// hook do send CW20: só o token registrado pode chamar
		if sender != n.tokenAddr {
			return nil, fmt.Errorf("unauthorized cw20 hook from %s", sender)
		}
		var hook struct {
			Deposit *struct{} `json:"deposit"`
		}
		if err := json.Unmarshal(m.Receive.Msg, &hook); err != nil || hook.Deposit == nil {
			return nil, fmt.Errorf("unknown cw20 hook")
		}
		return n.contract.deposit(m.Receive.Sender, m.Receive.Amount)
	default:
		return nil, fmt.Errorf("unknown vault execute msg")
	}
}

type cw20ExecMsg struct {
	Send *struct {
		Contract string `json:"contract"`
		Amount   int64  `json:"amount,string"`
		Msg      []byte `json:"msg"`
	} `json:"send"`
	Transfer *struct {
		Recipient string `json:"recipient"`
		Amount    int64  `json:"amount,string"`
	} `json:"transfer"`
}

func (n *Node) executeCW20(sender string, rawMsg []byte) ([]chain.Event, error) {
	var m cw20ExecMsg
	if err := json.Unmarshal(rawMsg, &m); err != nil {
		return nil, fmt.Errorf("cw20 msg decode: %w", err)
	}

	switch {
	case m.Send != nil:
		if n.cw20[sender] < m.Send.Amount {
			return nil, fmt.Errorf("cw20 insufficient funds: need %d have %d", m.Send.Amount, n.cw20[sender])
		}
		n.cw20[sender] -= m.Send.Amount
		n.cw20[m.Send.Contract] += m.Send.Amount
		receive, _ := json.Marshal(map[string]any{
			"receive": map[string]any{
				"sender": sender,
				"amount": strconv.FormatInt(m.Send.Amount, 10),
				"msg":    m.Send.Msg,
			},
		})
		return n.executeContract(n.tokenAddr, m.Send.Contract, receive)
	case m.Transfer != nil:
		if n.cw20[sender] < m.Transfer.Amount {
			return nil, fmt.Errorf("cw20 insufficient funds: need %d have %d", m.Transfer.Amount, n.cw20[sender])
		}
		n.cw20[sender] -= m.Transfer.Amount
		n.cw20[m.Transfer.Recipient] += m.Transfer.Amount
		return []chain.Event{wasmEvent(
			[2]string{"action", "transfer"},
			[2]string{"from", sender},
			[2]string{"to", m.Transfer.Recipient},
			[2]string{"amount", strconv.FormatInt(m.Transfer.Amount, 10)},
		)}, nil
	default:
		return nil, fmt.Errorf("unknown cw20 execute msg")
	}
}

// QueryTx devolve o resultado só depois do blockTime, simulando a janela
// entre mempool e inclusão que o poll de confirmação atravessa.
func (n *Node) QueryTx(hash string) (*chain.TxResult, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	tx, ok := n.txs[hash]
	if !ok || time.Now().Before(tx.readyAt) {
		return nil, false
	}
	r := tx.result
	return &r, true
}

func (n *Node) Account(addr string) chain.Account {
	n.mu.Lock()
	defer n.mu.Unlock()
	return *n.account(addr)
}

func (n *Node) LatestHeight() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.height
}

func (n *Node) CW20Balance(addr string) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cw20[addr]
}
