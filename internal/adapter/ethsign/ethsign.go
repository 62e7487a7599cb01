// Package ethsign implements EIP-191 personal-sign verification and signing
// over secp256k1. Identities are Ethereum addresses, compared
// case-insensitively.
package ethsign

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/swarmos/swarmos/internal/domain"
)

// personalHash applies the EIP-191 personal-sign envelope before keccak256.
func personalHash(message string) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return crypto.Keccak256([]byte(prefixed))
}

// Verifier recovers and checks personal-sign signatures.
type Verifier struct{}

// NewVerifier returns a stateless EIP-191 verifier.
func NewVerifier() *Verifier { return &Verifier{} }

// Recover returns the lowercase hex address that produced the signature.
func (v *Verifier) Recover(message, signature string) (string, error) {
	sig, err := decodeSignature(signature)
	if err != nil {
		return "", err
	}
	pub, err := crypto.SigToPub(personalHash(message), sig)
	if err != nil {
		return "", fmt.Errorf("op=ethsign.Recover: %w: %w", domain.ErrUnauthorized, err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// Verify reports whether the signature over message was produced by
// expectedAddress.
func (v *Verifier) Verify(message, signature, expectedAddress string) bool {
	got, err := v.Recover(message, signature)
	if err != nil {
		return false
	}
	return strings.EqualFold(got, expectedAddress)
}

// decodeSignature parses a 65-byte hex signature and normalizes the Ethereum
// v value (27/28) down to the 0/1 recovery id go-ethereum expects.
func decodeSignature(signature string) ([]byte, error) {
	s := strings.TrimPrefix(signature, "0x")
	sig, err := hex.DecodeString(s)
	if err != nil || len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("op=ethsign.decode: malformed signature: %w", domain.ErrUnauthorized)
	}
	out := make([]byte, crypto.SignatureLength)
	copy(out, sig)
	if out[64] >= 27 {
		out[64] -= 27
	}
	return out, nil
}

// Signer holds a secp256k1 private key and signs in the Ethereum wallet
// convention (v = 27/28).
type Signer struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewSigner parses a hex private key (0x prefix optional).
func NewSigner(privHex string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("op=ethsign.NewSigner: %w", err)
	}
	return &Signer{
		key:     key,
		address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
	}, nil
}

// Address returns the signer's lowercase hex address.
func (s *Signer) Address() string { return s.address }

// Sign produces a 0x-prefixed 65-byte personal-sign signature over message.
func (s *Signer) Sign(message string) (string, error) {
	sig, err := crypto.Sign(personalHash(message), s.key)
	if err != nil {
		return "", fmt.Errorf("op=ethsign.Sign: %w", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}
