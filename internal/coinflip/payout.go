package coinflip

// Payout calcula o pote e a comissão do jeito que o contrato calcula:
// pot = 2*amount, commission = pot*bps/10000, payout = pot - commission.
func Payout(amount int64, commissionBps uint16) (payout, commission int64) {
	pot := amount * 2
	commission = pot * int64(commissionBps) / 10_000
	return pot - commission, commission
}

// MakerWins: o maker ganha quando o chute do acceptor erra o lado revelado.
func MakerWins(revealSide, guess Side) bool { return revealSide != guess }

// Winner resolve o endereço vencedor a partir do lado revelado e do chute.
func Winner(revealSide, guess Side, makerAddr, acceptorAddr string) string {
	if MakerWins(revealSide, guess) {
		return makerAddr
	}
	return acceptorAddr
}
