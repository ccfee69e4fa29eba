package relayer

import (
	"encoding/base64"
	"encoding/json"
	"strconv"

	"github.com/radieske/coinflip-platform-poc/internal/chain"
	"github.com/radieske/coinflip-platform-poc/internal/coinflip"
)

// Builders das mensagens de execução do contrato coinflip-pvp-vault.
// Uint128 serializa como string e Binary como base64, igual ao serde do contrato.

func createBetMsg(amount int64, commitment []byte) any {
	return map[string]any{
		"create_bet": map[string]any{
			"amount":     strconv.FormatInt(amount, 10),
			"commitment": base64.StdEncoding.EncodeToString(commitment),
		},
	}
}

func acceptAndRevealMsg(betID int64, guess, side coinflip.Side, secret []byte) any {
	return map[string]any{
		"accept_and_reveal": map[string]any{
			"bet_id": betID,
			"guess":  string(guess),
			"side":   string(side),
			"secret": base64.StdEncoding.EncodeToString(secret),
		},
	}
}

func revealMsg(betID int64, side coinflip.Side, secret []byte) any {
	return map[string]any{
		"reveal": map[string]any{
			"bet_id": betID,
			"side":   string(side),
			"secret": base64.StdEncoding.EncodeToString(secret),
		},
	}
}

func cancelBetMsg(betID int64) any {
	return map[string]any{"cancel_bet": map[string]any{"bet_id": betID}}
}

func claimTimeoutMsg(betID int64) any {
	return map[string]any{"claim_timeout": map[string]any{"bet_id": betID}}
}

func withdrawMsg(amount int64) any {
	return map[string]any{"withdraw": map[string]any{"amount": strconv.FormatInt(amount, 10)}}
}

// depositMsg é o send CW20 pro vault com o hook de depósito embutido.
func depositMsg(vaultAddr string, amount int64) any {
	hook, _ := json.Marshal(map[string]any{"deposit": map[string]any{}})
	return map[string]any{
		"send": map[string]any{
			"contract": vaultAddr,
			"amount":   strconv.FormatInt(amount, 10),
			"msg":      base64.StdEncoding.EncodeToString(hook),
		},
	}
}

func cw20TransferMsg(recipient string, amount int64) any {
	return map[string]any{
		"transfer": map[string]any{
			"recipient": recipient,
			"amount":    strconv.FormatInt(amount, 10),
		},
	}
}

// execEnvelope embala a execução do usuário no MsgExec do relayer (grantee).
func (r *Relayer) execEnvelope(userAddr, contractAddr string, execMsg any) chain.Msg {
	return chain.MsgExec(r.signer.Address(), chain.MsgExecuteContract(userAddr, contractAddr, execMsg))
}
