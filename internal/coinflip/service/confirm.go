package service

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"github.com/radieske/coinflip-platform-poc/internal/chain"
	"github.com/radieske/coinflip-platform-poc/internal/coinflip"
	"github.com/radieske/coinflip-platform-poc/internal/relayer"
	"github.com/radieske/coinflip-platform-poc/pkg/contracts/events"
)

// Confirmações em background: cada relay assíncrono deixa uma dessas tarefas
// fazendo polling do desfecho, finalizando a linha da aposta e reconciliando
// vault/pending locks/segredos. Timeout aqui nunca destrava fundos — desfecho
// desconhecido fica pra varredura de reconciliação.

func (s *Service) confirmCreate(ctx context.Context, id, maker string, amount int64, commitment []byte, side coinflip.Side, secret []byte, lockID, txHash string) {
	log := s.log.With(zap.String("bet_row", id), zap.String("tx_hash", txHash))

	tx, err := s.relay.WaitConfirm(ctx, txHash, s.confirmCeiling)
	if err != nil {
		if errors.Is(err, relayer.ErrConfirmTimeout) {
			log.Warn("create confirmation timed out; leaving for reconciliation")
		} else {
			log.Error("create confirmation failed", zap.Error(err))
		}
		return
	}

	if tx.Code != 0 {
		// chain rejeitou: devolve fundos, descarta segredo, marca a linha
		log.Warn("create rejected by chain", zap.Uint32("code", tx.Code), zap.String("raw_log", tx.RawLog))
		if _, err := s.repo.MarkFailed(ctx, id); err != nil {
			log.Error("mark failed", zap.Error(err))
		}
		if err := s.vault.UnlockFunds(ctx, maker, amount); err != nil {
			log.Error("unlock after create reject", zap.Error(err))
		}
		_ = s.locks.Remove(ctx, maker, lockID)
		_ = s.secrets.Delete(ctx, commitment)
		s.publishBet(ctx, events.BetEvent{MakerAddr: maker, Amount: amount, Status: string(coinflip.StatusFailed), TxHash: txHash})
		return
	}

	betID, ok := attrInt64(tx, "bet_id")
	if !ok {
		log.Error("create confirmed without bet_id attribute")
		return
	}

	// creating→open direto; o segredo só sai do pending_secrets DEPOIS que a
	// linha da aposta ficou durável com ele
	moved, err := s.repo.MarkOpen(ctx, id, betID, side, secret)
	if err != nil {
		log.Error("mark open", zap.Error(err))
		return
	}
	if moved {
		_ = s.secrets.Delete(ctx, commitment)
	}
	// o lock agora é visível na chain; o overlay pode soltar
	_ = s.locks.Remove(ctx, maker, lockID)

	log.Info("bet open", zap.Int64("bet_id", betID), zap.Int64("height", tx.Height))
	s.publishBet(ctx, events.BetEvent{BetID: betID, MakerAddr: maker, Amount: amount, Status: string(coinflip.StatusOpen), TxHash: txHash})
}

func (s *Service) confirmAcceptAndReveal(ctx context.Context, betID int64, maker, acceptor string, amount int64, guess, side coinflip.Side, lockID, txHash string) {
	log := s.log.With(zap.Int64("bet_id", betID), zap.String("tx_hash", txHash))

	tx, err := s.relay.WaitConfirm(ctx, txHash, s.confirmCeiling)
	if err != nil {
		if errors.Is(err, relayer.ErrConfirmTimeout) {
			log.Warn("accept confirmation timed out; leaving for reconciliation")
		} else {
			log.Error("accept confirmation failed", zap.Error(err))
		}
		return
	}

	if tx.Code != 0 {
		log.Warn("accept rejected by chain", zap.Uint32("code", tx.Code), zap.String("raw_log", tx.RawLog))
		if _, err := s.repo.RevertAccept(ctx, betID); err != nil {
			log.Error("revert accept", zap.Error(err))
		}
		if lockID != "" {
			if err := s.vault.UnlockFunds(ctx, acceptor, amount); err != nil {
				log.Error("unlock after accept reject", zap.Error(err))
			}
			_ = s.locks.Remove(ctx, acceptor, lockID)
		}
		// a rejeição pode significar estado divergente (expirou, cancelada);
		// reconcilia na hora em vez de esperar o próximo ciclo
		s.resyncBetFromChain(ctx, betID)
		return
	}

	winner, payout, commission := s.resolutionFromEvents(tx, side, guess, maker, acceptor, amount)

	if _, err := s.repo.MarkRevealed(ctx, betID, winner, payout, commission, txHash); err != nil {
		log.Error("mark revealed", zap.Error(err))
		return
	}
	if err := s.vault.SettleBet(ctx, maker, acceptor, amount, winner, payout); err != nil {
		log.Error("settle vault", zap.Error(err))
	}
	if lockID != "" {
		_ = s.locks.Remove(ctx, acceptor, lockID)
	}

	log.Info("bet revealed", zap.String("winner", winner), zap.Int64("payout", payout))
	s.publishBet(ctx, events.BetEvent{BetID: betID, MakerAddr: maker, AcceptorAddr: acceptor,
		Amount: amount, Status: string(coinflip.StatusRevealed), WinnerAddr: winner,
		PayoutAmount: payout, TxHash: txHash})
	s.publishSettledBalances(ctx, maker, acceptor)
}

func (s *Service) confirmCancel(ctx context.Context, betID int64, maker string, amount int64, txHash string) {
	log := s.log.With(zap.Int64("bet_id", betID), zap.String("tx_hash", txHash))

	tx, err := s.relay.WaitConfirm(ctx, txHash, s.confirmCeiling)
	if err != nil {
		if errors.Is(err, relayer.ErrConfirmTimeout) {
			log.Warn("cancel confirmation timed out; leaving for reconciliation")
		} else {
			log.Error("cancel confirmation failed", zap.Error(err))
		}
		return
	}

	if tx.Code != 0 {
		// "já aceita" ou "já cancelada" não é erro duro: reconcilia o estado
		log.Warn("cancel rejected by chain", zap.Uint32("code", tx.Code), zap.String("raw_log", tx.RawLog))
		if _, err := s.repo.RevertCancel(ctx, betID); err != nil {
			log.Error("revert cancel", zap.Error(err))
		}
		s.resyncBetFromChain(ctx, betID)
		return
	}

	if _, err := s.repo.MarkCanceled(ctx, betID); err != nil {
		log.Error("mark canceled", zap.Error(err))
		return
	}
	if err := s.vault.UnlockFunds(ctx, maker, amount); err != nil {
		log.Error("unlock after cancel", zap.Error(err))
	}

	log.Info("bet canceled")
	s.publishBet(ctx, events.BetEvent{BetID: betID, MakerAddr: maker, Amount: amount,
		Status: string(coinflip.StatusCanceled), TxHash: txHash})
}

func (s *Service) confirmClaimTimeout(ctx context.Context, betID int64, maker, acceptor string, amount int64, txHash string) {
	log := s.log.With(zap.Int64("bet_id", betID), zap.String("tx_hash", txHash))

	tx, err := s.relay.WaitConfirm(ctx, txHash, s.confirmCeiling)
	if err != nil {
		log.Warn("claim confirmation not observed", zap.Error(err))
		return
	}

	if tx.Code != 0 {
		log.Warn("claim rejected by chain", zap.Uint32("code", tx.Code), zap.String("raw_log", tx.RawLog))
		s.resyncBetFromChain(ctx, betID)
		return
	}

	// no claim o acceptor ganha por ausência do maker
	payout, commission := coinflip.Payout(amount, s.contractCfg.CommissionBps)
	if v, ok := attrInt64(tx, "payout"); ok {
		payout = v
	}
	if v, ok := attrInt64(tx, "commission"); ok {
		commission = v
	}

	if _, err := s.repo.MarkTimeoutClaimed(ctx, betID, acceptor, payout, commission, txHash); err != nil {
		log.Error("mark timeout claimed", zap.Error(err))
		return
	}
	if err := s.vault.SettleBet(ctx, maker, acceptor, amount, acceptor, payout); err != nil {
		log.Error("settle vault after claim", zap.Error(err))
	}

	log.Info("timeout claimed", zap.Int64("payout", payout))
	s.publishBet(ctx, events.BetEvent{BetID: betID, MakerAddr: maker, AcceptorAddr: acceptor,
		Amount: amount, Status: string(coinflip.StatusTimeoutClaimed), WinnerAddr: acceptor,
		PayoutAmount: payout, TxHash: txHash})
	s.publishSettledBalances(ctx, maker, acceptor)
}

// resolutionFromEvents extrai vencedor/payout dos eventos do contrato, caindo
// pro cálculo local (mesma fórmula do contrato) se os atributos faltarem.
func (s *Service) resolutionFromEvents(tx *chain.TxResult, side, guess coinflip.Side, maker, acceptor string, amount int64) (winner string, payout, commission int64) {
	payout, commission = coinflip.Payout(amount, s.contractCfg.CommissionBps)
	winner = coinflip.Winner(side, guess, maker, acceptor)

	if w, ok := tx.Attr("wasm", "winner"); ok {
		winner = w
	}
	if v, ok := attrInt64(tx, "payout"); ok {
		payout = v
	}
	if v, ok := attrInt64(tx, "commission"); ok {
		commission = v
	}
	return winner, payout, commission
}

// resyncBetFromChain consulta o estado autoritativo da aposta e alinha a
// linha local. Usado quando uma rejeição indica divergência.
func (s *Service) resyncBetFromChain(ctx context.Context, betID int64) {
	var resp struct {
		Status string `json:"status"`
	}
	err := s.querier.QuerySmart(ctx, s.contractAddr,
		map[string]any{"bet": map[string]any{"bet_id": betID}}, &resp)
	if err != nil {
		s.log.Warn("bet resync query failed", zap.Int64("bet_id", betID), zap.Error(err))
		return
	}

	status, ok := chainStatus(resp.Status)
	if !ok {
		s.log.Warn("bet resync: unknown chain status", zap.Int64("bet_id", betID), zap.String("status", resp.Status))
		return
	}
	if err := s.repo.SetStatusFromChain(ctx, betID, status); err != nil {
		s.log.Error("bet resync update failed", zap.Int64("bet_id", betID), zap.Error(err))
		return
	}
	s.log.Info("bet resynced from chain", zap.Int64("bet_id", betID), zap.String("status", string(status)))
}

func (s *Service) publishSettledBalances(ctx context.Context, addrs ...string) {
	for _, addr := range addrs {
		bal, err := s.vault.BalanceOf(ctx, addr)
		if err != nil {
			continue
		}
		s.publishBalance(ctx, events.BalanceEvent{Address: addr, Available: bal.Available, Locked: bal.Locked, Reason: "bet_settled"})
	}
}

// chainStatus mapeia o status formatado pelo contrato pro nosso enum.
func chainStatus(s string) (coinflip.Status, bool) {
	switch s {
	case "open":
		return coinflip.StatusOpen, true
	case "accepted":
		return coinflip.StatusAccepted, true
	case "revealed":
		return coinflip.StatusRevealed, true
	case "canceled":
		return coinflip.StatusCanceled, true
	case "timeoutclaimed":
		return coinflip.StatusTimeoutClaimed, true
	}
	return "", false
}

func attrInt64(tx *chain.TxResult, key string) (int64, bool) {
	v, ok := tx.Attr("wasm", key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
