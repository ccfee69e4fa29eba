package chainsim

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/radieske/coinflip-platform-poc/internal/coinflip"
)

// Server expõe o node pelos mesmos caminhos REST do gateway Cosmos, mais um
// faucet de desenvolvimento em /sim/fund.
type Server struct {
	log  *zap.Logger
	node *Node
}

func NewServer(log *zap.Logger, node *Node) *Server {
	return &Server{log: log, node: node}
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /cosmos/tx/v1beta1/txs", s.broadcast)
	mux.HandleFunc("GET /cosmos/tx/v1beta1/txs/{hash}", s.queryTx)
	mux.HandleFunc("GET /cosmos/auth/v1beta1/accounts/{addr}", s.queryAccount)
	mux.HandleFunc("GET /cosmos/bank/v1beta1/balances/{addr}/by_denom", s.queryBalance)
	mux.HandleFunc("GET /cosmos/base/tendermint/v1beta1/blocks/latest", s.latestBlock)
	mux.HandleFunc("GET /cosmwasm/wasm/v1/contract/{addr}/smart/{query}", s.querySmart)
	mux.HandleFunc("POST /sim/fund", s.fund)
	return mux
}

func (s *Server) broadcast(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TxBytes string `json:"tx_bytes"`
		Mode    string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(in.TxBytes)
	if err != nil {
		http.Error(w, "tx_bytes must be base64", http.StatusBadRequest)
		return
	}

	res := s.node.Broadcast(raw)
	writeJSON(w, map[string]any{"tx_response": map[string]any{
		"txhash":  res.TxHash,
		"code":    res.CheckTxCode,
		"raw_log": res.RawLog,
	}})
}

func (s *Server) queryTx(w http.ResponseWriter, r *http.Request) {
	tx, ok := s.node.QueryTx(r.PathValue("hash"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]any{"tx_response": map[string]any{
		"code":    tx.Code,
		"raw_log": tx.RawLog,
		"height":  strconv.FormatInt(tx.Height, 10),
		"events":  tx.Events,
	}})
}

func (s *Server) queryAccount(w http.ResponseWriter, r *http.Request) {
	acct := s.node.Account(r.PathValue("addr"))
	writeJSON(w, map[string]any{"account": acct})
}

func (s *Server) queryBalance(w http.ResponseWriter, r *http.Request) {
	amount := s.node.CW20Balance(r.PathValue("addr"))
	writeJSON(w, map[string]any{"balance": map[string]any{
		"denom":  r.URL.Query().Get("denom"),
		"amount": strconv.FormatInt(amount, 10),
	}})
}

func (s *Server) latestBlock(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"block": map[string]any{"header": map[string]any{
		"height": strconv.FormatInt(s.node.LatestHeight(), 10),
	}}})
}

func (s *Server) querySmart(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("addr") != s.node.vaultAddr {
		http.NotFound(w, r)
		return
	}
	raw, err := base64.URLEncoding.DecodeString(r.PathValue("query"))
	if err != nil {
		http.Error(w, "query must be base64url", http.StatusBadRequest)
		return
	}

	data, err := s.node.QuerySmart(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"data": json.RawMessage(data)})
}

func (s *Server) fund(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Address string `json:"address"`
		CW20    int64  `json:"cw20"`
		Vault   int64  `json:"vault"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Address == "" {
		http.Error(w, "address required", http.StatusBadRequest)
		return
	}
	if in.CW20 > 0 {
		s.node.FundCW20(in.Address, in.CW20)
	}
	if in.Vault > 0 {
		s.node.FundVault(in.Address, in.Vault)
	}
	s.log.Info("faucet", zap.String("address", in.Address),
		zap.Int64("cw20", in.CW20), zap.Int64("vault", in.Vault))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type smartQuery struct {
	Config *struct{} `json:"config"`
	Bet    *struct {
		BetID int64 `json:"bet_id"`
	} `json:"bet"`
	OpenBets *struct{} `json:"open_bets"`
	UserBets *struct {
		Address string `json:"address"`
	} `json:"user_bets"`
	VaultBalance *struct {
		Address string `json:"address"`
	} `json:"vault_balance"`
}

type betResponse struct {
	BetID      int64  `json:"bet_id"`
	Maker      string `json:"maker"`
	Acceptor   string `json:"acceptor,omitempty"`
	Amount     int64  `json:"amount,string"`
	Status     string `json:"status"`
	Winner     string `json:"winner,omitempty"`
	Payout     int64  `json:"payout,string"`
	Commission int64  `json:"commission,string"`
}

type vaultBalanceResponse struct {
	Address   string `json:"address"`
	Available int64  `json:"available,string"`
	Locked    int64  `json:"locked,string"`
}

// QuerySmart responde as smart queries do contrato. O status sai no formato
// da chain: nome do enum minúsculo e sem separador ("timeoutclaimed").
func (n *Node) QuerySmart(rawQuery []byte) ([]byte, error) {
	var q smartQuery
	if err := json.Unmarshal(rawQuery, &q); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	switch {
	case q.Config != nil:
		return json.Marshal(n.contract.cfg)
	case q.Bet != nil:
		bet, ok := n.contract.bets[q.Bet.BetID]
		if !ok {
			return nil, failf("bet not found: %d", q.Bet.BetID)
		}
		return json.Marshal(toBetResponse(bet))
	case q.OpenBets != nil:
		out := []betResponse{}
		for _, bet := range n.contract.bets {
			if bet.Status == coinflip.StatusOpen {
				out = append(out, toBetResponse(bet))
			}
		}
		return json.Marshal(out)
	case q.UserBets != nil:
		out := []betResponse{}
		for _, bet := range n.contract.bets {
			if bet.Maker == q.UserBets.Address || bet.Acceptor == q.UserBets.Address {
				out = append(out, toBetResponse(bet))
			}
		}
		return json.Marshal(out)
	case q.VaultBalance != nil:
		b := n.contract.balance(q.VaultBalance.Address)
		return json.Marshal(vaultBalanceResponse{
			Address: q.VaultBalance.Address, Available: b.Available, Locked: b.Locked,
		})
	default:
		return nil, failf("unknown smart query")
	}
}

func toBetResponse(bet *simBet) betResponse {
	return betResponse{
		BetID:      bet.ID,
		Maker:      bet.Maker,
		Acceptor:   bet.Acceptor,
		Amount:     bet.Amount,
		Status:     strings.ReplaceAll(string(bet.Status), "_", ""),
		Winner:     bet.Winner,
		Payout:     bet.Payout,
		Commission: bet.Commission,
	}
}
