package coinflip

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
)

// Prefixo de domínio do hash, igual ao do contrato.
const commitmentDomain = "coinflip_v1"

const SecretLen = 32

// Commitment calcula SHA256("coinflip_v1" || maker || side || secret),
// byte a byte igual ao que o contrato verifica no accept_and_reveal.
func Commitment(makerAddr string, side Side, secret []byte) []byte {
	h := sha256.New()
	h.Write([]byte(commitmentDomain))
	h.Write([]byte(makerAddr))
	h.Write([]byte(side))
	h.Write(secret)
	return h.Sum(nil)
}

// VerifyCommitment recalcula e compara em tempo constante.
func VerifyCommitment(commitment []byte, makerAddr string, side Side, secret []byte) bool {
	if len(commitment) != sha256.Size {
		return false
	}
	computed := Commitment(makerAddr, side, secret)
	return subtle.ConstantTimeCompare(commitment, computed) == 1
}

// NewSecret gera o segredo de 32 bytes do maker com RNG criptográfico.
func NewSecret() ([]byte, error) {
	secret := make([]byte, SecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return secret, nil
}

// RandomSide sorteia heads/tails uniformemente com RNG criptográfico.
func RandomSide() (Side, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate side: %w", err)
	}
	if b[0]&1 == 0 {
		return SideHeads, nil
	}
	return SideTails, nil
}
