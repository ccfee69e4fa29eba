package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/radieske/coinflip-platform-poc/internal/coinflip"
	"github.com/radieske/coinflip-platform-poc/internal/coinflip/service"
)

type Server struct {
	log *zap.Logger
	svc *service.Service
}

func NewServer(log *zap.Logger, svc *service.Service) *Server {
	return &Server{log: log, svc: svc}
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/bets", s.bets)       // POST cria, GET lista abertas
	mux.HandleFunc("/bets/", s.betByID)   // GET /bets/{id} e POST /bets/{id}/{action}
	mux.HandleFunc("/users/", s.userBets) // GET /users/{addr}/bets
	mux.HandleFunc("/vault/withdraw", s.withdraw)
	mux.HandleFunc("/vault/deposit", s.deposit)
	mux.HandleFunc("/vault/", s.vaultBalance) // GET /vault/{addr}
	return mux
}

func (s *Server) bets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createBet(w, r)
	case http.MethodGet:
		s.listOpen(w, r)
	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) createBet(w http.ResponseWriter, r *http.Request) {
	var req CreateBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad json")
		return
	}
	if req.MakerAddr == "" || req.Amount <= 0 {
		writeErr(w, http.StatusBadRequest, "invalid payload")
		return
	}

	res, err := s.svc.CreateBet(r.Context(), req.MakerAddr, req.Amount)
	if err != nil {
		s.writeTaxonomyErr(w, err)
		return
	}
	writeJSON(w, CreateBetResponse{ID: res.ID, Status: string(res.Status), TxHash: res.TxHash})
}

func (s *Server) listOpen(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	bets, err := s.svc.ListOpenBets(r.Context(), limit)
	if err != nil {
		s.writeTaxonomyErr(w, err)
		return
	}
	writeJSON(w, toViews(bets))
}

// betByID atende GET /bets/{id} e POST /bets/{id}/{accept|cancel|claim-timeout|reveal}
func (s *Server) betByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/bets/")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		writeErr(w, http.StatusBadRequest, "bet id required")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.getBet(w, r, parts[0])
		return
	}

	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	betID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bet id must be numeric")
		return
	}

	switch parts[1] {
	case "accept":
		s.acceptBet(w, r, betID)
	case "cancel":
		s.cancelBet(w, r, betID)
	case "claim-timeout":
		s.claimTimeout(w, r, betID)
	case "reveal":
		s.reveal(w, r, betID)
	default:
		writeErr(w, http.StatusNotFound, "unknown action")
	}
}

func (s *Server) getBet(w http.ResponseWriter, r *http.Request, id string) {
	var (
		bet *coinflip.Bet
		err error
	)
	if betID, perr := strconv.ParseInt(id, 10, 64); perr == nil {
		bet, err = s.svc.GetBet(r.Context(), betID)
	} else {
		bet, err = s.svc.GetBetByID(r.Context(), id)
	}
	if err != nil {
		s.writeTaxonomyErr(w, err)
		return
	}
	writeJSON(w, toView(bet))
}

func (s *Server) acceptBet(w http.ResponseWriter, r *http.Request, betID int64) {
	var req AcceptBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AcceptorAddr == "" {
		writeErr(w, http.StatusBadRequest, "acceptor_addr required")
		return
	}
	res, err := s.svc.AcceptBet(r.Context(), req.AcceptorAddr, betID)
	if err != nil {
		s.writeTaxonomyErr(w, err)
		return
	}
	writeJSON(w, AcceptBetResponse{BetID: res.BetID, Status: string(res.Status), Guess: string(res.Guess), TxHash: res.TxHash})
}

func (s *Server) cancelBet(w http.ResponseWriter, r *http.Request, betID int64) {
	var req CancelBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MakerAddr == "" {
		writeErr(w, http.StatusBadRequest, "maker_addr required")
		return
	}
	res, err := s.svc.CancelBet(r.Context(), req.MakerAddr, betID)
	if err != nil {
		s.writeTaxonomyErr(w, err)
		return
	}
	writeJSON(w, ActionResponse{BetID: res.BetID, Status: string(res.Status), TxHash: res.TxHash})
}

func (s *Server) claimTimeout(w http.ResponseWriter, r *http.Request, betID int64) {
	var req ClaimTimeoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AcceptorAddr == "" {
		writeErr(w, http.StatusBadRequest, "acceptor_addr required")
		return
	}
	res, err := s.svc.ClaimTimeout(r.Context(), req.AcceptorAddr, betID)
	if err != nil {
		s.writeTaxonomyErr(w, err)
		return
	}
	writeJSON(w, ActionResponse{BetID: res.BetID, Status: string(res.Status), TxHash: res.TxHash})
}

func (s *Server) reveal(w http.ResponseWriter, r *http.Request, betID int64) {
	var req RevealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MakerAddr == "" {
		writeErr(w, http.StatusBadRequest, "maker_addr required")
		return
	}
	res, err := s.svc.Reveal(r.Context(), req.MakerAddr, betID)
	if err != nil {
		s.writeTaxonomyErr(w, err)
		return
	}
	writeJSON(w, ActionResponse{BetID: res.BetID, Status: string(res.Status), TxHash: res.TxHash})
}

// userBets atende GET /users/{addr}/bets
func (s *Server) userBets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/users/")
	addr, ok := strings.CutSuffix(rest, "/bets")
	if !ok || addr == "" {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	bets, err := s.svc.ListUserBets(r.Context(), addr, limit)
	if err != nil {
		s.writeTaxonomyErr(w, err)
		return
	}
	writeJSON(w, toViews(bets))
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	s.fundsOp(w, r, s.svc.Withdraw)
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	s.fundsOp(w, r, s.svc.Deposit)
}

func (s *Server) fundsOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, user string, amount int64) (*service.FundsResult, error)) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req FundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" || req.Amount <= 0 {
		writeErr(w, http.StatusBadRequest, "invalid payload")
		return
	}
	res, err := op(r.Context(), req.Address, req.Amount)
	if err != nil {
		s.writeTaxonomyErr(w, err)
		return
	}
	writeJSON(w, FundsResponse{TxHash: res.TxHash, Available: res.Balance.Available, Locked: res.Balance.Locked})
}

// vaultBalance atende GET /vault/{addr}
func (s *Server) vaultBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	addr := strings.TrimPrefix(r.URL.Path, "/vault/")
	if addr == "" {
		writeErr(w, http.StatusBadRequest, "address required")
		return
	}
	bal, err := s.svc.VaultBalance(r.Context(), addr)
	if err != nil {
		s.writeTaxonomyErr(w, err)
		return
	}
	writeJSON(w, BalanceResponse{Address: addr, Available: bal.Available, Locked: bal.Locked})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

// writeTaxonomyErr traduz a taxonomia do core pra status HTTP. Mensagem vem
// sempre da taxonomia, nunca do raw log da chain.
func (s *Server) writeTaxonomyErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coinflip.ErrInvalidAmount), errors.Is(err, coinflip.ErrInvalidSide):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, coinflip.ErrBetNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, coinflip.ErrNotMaker), errors.Is(err, coinflip.ErrNotAcceptor), errors.Is(err, coinflip.ErrSelfAccept):
		writeErr(w, http.StatusForbidden, err.Error())
	case errors.Is(err, coinflip.ErrRaceLost), errors.Is(err, coinflip.ErrActionInProgress), errors.Is(err, coinflip.ErrTooManyOpenBets):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, coinflip.ErrInsufficientBalance), errors.Is(err, coinflip.ErrBelowMinBet),
		errors.Is(err, coinflip.ErrBetExpired), errors.Is(err, coinflip.ErrTimeoutNotPassed):
		writeErr(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, coinflip.ErrRelayerNotReady):
		writeErr(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, coinflip.ErrRelayTimeout):
		writeErr(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, coinflip.ErrChainRejected):
		writeErr(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Error("unhandled error", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

func toView(b *coinflip.Bet) BetView {
	v := BetView{
		ID:           b.ID,
		BetID:        b.BetID,
		MakerAddr:    b.MakerAddr,
		AcceptorAddr: b.AcceptorAddr,
		Amount:       b.Amount,
		Status:       string(b.Status),
		Commitment:   base64.StdEncoding.EncodeToString(b.Commitment),
		CreatedAt:    b.CreatedAt,
		AcceptedAt:   b.AcceptedAt,
		ResolvedAt:   b.ResolvedAt,
	}
	// lado do maker só aparece depois da resolução
	if res, ok := b.Resolution(); ok {
		v.RevealSide = string(b.MakerSide)
		v.WinnerAddr = res.WinnerAddr
		v.PayoutAmount = res.PayoutAmount
	}
	if acc, ok := b.Acceptance(); ok {
		v.Guess = string(acc.Guess)
	}
	return v
}

func toViews(bets []*coinflip.Bet) []BetView {
	out := make([]BetView, 0, len(bets))
	for _, b := range bets {
		out = append(out, toView(b))
	}
	return out
}
