package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

var (
	ErrTxNotFound = errors.New("tx not found")

	// ErrBroadcastTimeout: a chamada de broadcast estourou o timeout de rede.
	// A transação pode ter entrado no mempool mesmo assim.
	ErrBroadcastTimeout = errors.New("broadcast network timeout")
)

// Client fala com o endpoint REST do full node. Toda chamada tem timeout
// próprio de 5s; o node pode estar momentaneamente fora ou atrasado.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

// BroadcastResult é o retorno do broadcast em modo sync (CheckTx).
type BroadcastResult struct {
	TxHash          string
	MempoolAccepted bool
	CheckTxCode     uint32
	RawLog          string
}

// TxResult é o resultado de uma transação já incluída em bloco.
type TxResult struct {
	Code   uint32
	RawLog string
	Height int64
	Events []Event
}

type Event struct {
	Type       string      `json:"type"`
	Attributes []EventAttr `json:"attributes"`
}

type EventAttr struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Attr procura um atributo pelo nome dentro dos eventos de um tipo.
func (r *TxResult) Attr(eventType, key string) (string, bool) {
	for _, ev := range r.Events {
		if ev.Type != eventType {
			continue
		}
		for _, at := range ev.Attributes {
			if at.Key == key {
				return at.Value, true
			}
		}
	}
	return "", false
}

// Account é a visão on-chain da conta do relayer.
type Account struct {
	AccountNumber uint64 `json:"account_number,string"`
	Sequence      uint64 `json:"sequence,string"`
}

// Broadcast envia a transação assinada em modo sync. Timeout de rede vira
// ErrBroadcastTimeout — o chamador precisa tratar como "pode ter entrado".
func (c *Client) Broadcast(ctx context.Context, txBytes []byte) (*BroadcastResult, error) {
	body, _ := json.Marshal(map[string]string{
		"tx_bytes": base64.StdEncoding.EncodeToString(txBytes),
		"mode":     "BROADCAST_MODE_SYNC",
	})

	var out struct {
		TxResponse struct {
			TxHash string `json:"txhash"`
			Code   uint32 `json:"code"`
			RawLog string `json:"raw_log"`
		} `json:"tx_response"`
	}
	if err := c.post(ctx, "/cosmos/tx/v1beta1/txs", body, &out); err != nil {
		if isTimeout(err) {
			return nil, ErrBroadcastTimeout
		}
		return nil, err
	}

	return &BroadcastResult{
		TxHash:          out.TxResponse.TxHash,
		MempoolAccepted: out.TxResponse.Code == 0,
		CheckTxCode:     out.TxResponse.Code,
		RawLog:          out.TxResponse.RawLog,
	}, nil
}

// QueryTx busca uma transação por hash. Retorna ErrTxNotFound enquanto ela
// não foi incluída em bloco (ou nunca vai ser).
func (c *Client) QueryTx(ctx context.Context, hash string) (*TxResult, error) {
	var out struct {
		TxResponse struct {
			Code   uint32  `json:"code"`
			RawLog string  `json:"raw_log"`
			Height int64   `json:"height,string"`
			Events []Event `json:"events"`
		} `json:"tx_response"`
	}
	err := c.get(ctx, "/cosmos/tx/v1beta1/txs/"+url.PathEscape(hash), &out)
	if err != nil {
		return nil, err
	}
	return &TxResult{
		Code:   out.TxResponse.Code,
		RawLog: out.TxResponse.RawLog,
		Height: out.TxResponse.Height,
		Events: out.TxResponse.Events,
	}, nil
}

// QueryAccount retorna account_number e sequence atuais de um endereço.
func (c *Client) QueryAccount(ctx context.Context, addr string) (*Account, error) {
	var out struct {
		Account Account `json:"account"`
	}
	if err := c.get(ctx, "/cosmos/auth/v1beta1/accounts/"+url.PathEscape(addr), &out); err != nil {
		return nil, err
	}
	return &out.Account, nil
}

// QueryBalance retorna o saldo bancário de um endereço num denom.
func (c *Client) QueryBalance(ctx context.Context, addr, denom string) (int64, error) {
	var out struct {
		Balance struct {
			Amount int64 `json:"amount,string"`
		} `json:"balance"`
	}
	path := "/cosmos/bank/v1beta1/balances/" + url.PathEscape(addr) + "/by_denom?denom=" + url.QueryEscape(denom)
	if err := c.get(ctx, path, &out); err != nil {
		return 0, err
	}
	return out.Balance.Amount, nil
}

// QueryLatestHeight retorna a altura do último bloco conhecido pelo node.
func (c *Client) QueryLatestHeight(ctx context.Context) (int64, error) {
	var out struct {
		Block struct {
			Header struct {
				Height int64 `json:"height,string"`
			} `json:"header"`
		} `json:"block"`
	}
	if err := c.get(ctx, "/cosmos/base/tendermint/v1beta1/blocks/latest", &out); err != nil {
		return 0, err
	}
	return out.Block.Header.Height, nil
}

// QuerySmart faz uma smart query no contrato e decodifica a resposta em out.
func (c *Client) QuerySmart(ctx context.Context, contractAddr string, query any, out any) error {
	q, err := json.Marshal(query)
	if err != nil {
		return fmt.Errorf("marshal smart query: %w", err)
	}
	path := "/cosmwasm/wasm/v1/contract/" + url.PathEscape(contractAddr) +
		"/smart/" + base64.URLEncoding.EncodeToString(q)

	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return err
	}
	return json.Unmarshal(resp.Data, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("chain %s: %w", req.URL.Path, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return ErrTxNotFound
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("chain %s: http %d", req.URL.Path, res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode chain response: %w", err)
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
