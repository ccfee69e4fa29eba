package chain

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/mr-tron/base58"
)

// Signer detém a única chave quente do relayer. Uma instância por processo;
// quem assina também é responsável por serializar os broadcasts.
type Signer struct {
	priv *btcec.PrivateKey
	addr string
}

// NewSignerFromHex carrega a chave secp256k1 a partir do hex da config.
func NewSignerFromHex(keyHex string) (*Signer, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode relayer key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("relayer key must be 32 bytes, got %d", len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return &Signer{priv: priv, addr: AddressFromPubKey(priv.PubKey().SerializeCompressed())}, nil
}

// Address é o endereço do hot wallet derivado da chave pública.
func (s *Signer) Address() string { return s.addr }

// Sign assina o digest SHA-256 dos bytes e retorna a assinatura compacta.
func (s *Signer) Sign(msg []byte) []byte {
	digest := sha256.Sum256(msg)
	return ecdsa.SignCompact(s.priv, digest[:], true)
}

// AddressFromPubKey deriva o endereço: base58 dos primeiros 20 bytes do
// SHA-256 da chave pública comprimida.
func AddressFromPubKey(pub []byte) string {
	h := sha256.Sum256(pub)
	return base58.Encode(h[:20])
}

// Msg é uma mensagem tipada dentro do corpo da transação.
type Msg map[string]any

// MsgExecuteContract monta a execução de contrato em nome do usuário.
func MsgExecuteContract(sender, contract string, execMsg any) Msg {
	return Msg{
		"@type":    "/cosmwasm.wasm.v1.MsgExecuteContract",
		"sender":   sender,
		"contract": contract,
		"msg":      execMsg,
		"funds":    []any{},
	}
}

// MsgExec é o envelope de execução delegada: o relayer (grantee) executa
// mensagens em nome do usuário, sob uma permissão previamente concedida.
func MsgExec(grantee string, msgs ...Msg) Msg {
	return Msg{
		"@type":   "/cosmos.authz.v1beta1.MsgExec",
		"grantee": grantee,
		"msgs":    msgs,
	}
}

// Tx é o formato serializado que o node aceita. Só os campos necessários
// pro sequenciamento importam aqui; o encoding real da chain é problema dela.
type Tx struct {
	Body      TxBody     `json:"body"`
	AuthInfo  TxAuthInfo `json:"auth_info"`
	Signature string     `json:"signature"`
}

type TxBody struct {
	Messages []Msg  `json:"messages"`
	Memo     string `json:"memo"`
}

type TxAuthInfo struct {
	Signer        string `json:"signer"`
	AccountNumber uint64 `json:"account_number,string"`
	Sequence      uint64 `json:"sequence,string"`
	Fee           TxFee  `json:"fee"`
}

type TxFee struct {
	Granter  string `json:"granter,omitempty"`
	GasLimit uint64 `json:"gas_limit,string"`
}

// signDoc é o que de fato é assinado: inclui chain_id e a dupla
// (account_number, sequence) pra amarrar a assinatura à ordem de envio.
type signDoc struct {
	ChainID       string `json:"chain_id"`
	AccountNumber uint64 `json:"account_number,string"`
	Sequence      uint64 `json:"sequence,string"`
	Body          TxBody `json:"body"`
	FeeGranter    string `json:"fee_granter,omitempty"`
}

const defaultGasLimit = 500_000

// BuildAndSignTx monta, assina e serializa uma transação do relayer.
func BuildAndSignTx(signer *Signer, chainID string, accountNumber, sequence uint64, feeGranter string, msgs ...Msg) ([]byte, error) {
	body := TxBody{Messages: msgs}

	doc, err := json.Marshal(signDoc{
		ChainID:       chainID,
		AccountNumber: accountNumber,
		Sequence:      sequence,
		Body:          body,
		FeeGranter:    feeGranter,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal sign doc: %w", err)
	}

	tx := Tx{
		Body: body,
		AuthInfo: TxAuthInfo{
			Signer:        signer.Address(),
			AccountNumber: accountNumber,
			Sequence:      sequence,
			Fee:           TxFee{Granter: feeGranter, GasLimit: defaultGasLimit},
		},
		Signature: base64.StdEncoding.EncodeToString(signer.Sign(doc)),
	}

	raw, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("marshal tx: %w", err)
	}
	return raw, nil
}

// TxHash é o hash hex maiúsculo dos bytes serializados, igual ao que o node reporta.
func TxHash(txBytes []byte) string {
	h := sha256.Sum256(txBytes)
	return strings.ToUpper(hex.EncodeToString(h[:]))
}
