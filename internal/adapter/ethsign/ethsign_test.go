package ethsign

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmos/swarmos/internal/domain"
)

func newKey(t *testing.T) (*Signer, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := NewSigner(hex.EncodeToString(crypto.FromECDSA(key)))
	require.NoError(t, err)
	return s, s.Address()
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	signer, addr := newKey(t)
	v := NewVerifier()

	msg := domain.JobRequestMessage("spine-mri", addr, "cas://scan-1", time.Unix(1750000000, 0), "n-1")
	sig, err := signer.Sign(msg)
	require.NoError(t, err)

	assert.True(t, v.Verify(msg, sig, addr))

	got, err := v.Recover(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, addr, got)
}

func TestVerifyRejectsWrongSignerAndTamperedMessage(t *testing.T) {
	signer, addr := newKey(t)
	_, otherAddr := newKey(t)
	v := NewVerifier()

	msg := domain.JobRequestMessage("spine-mri", addr, "cas://scan-1", time.Unix(1750000000, 0), "n-1")
	sig, err := signer.Sign(msg)
	require.NoError(t, err)

	assert.False(t, v.Verify(msg, sig, otherAddr))
	assert.False(t, v.Verify(msg+" ", sig, addr))
	assert.False(t, v.Verify(msg, "0xdeadbeef", addr))
}

func TestVerifyIsCaseInsensitiveOnAddress(t *testing.T) {
	signer, addr := newKey(t)
	v := NewVerifier()

	msg := "hello"
	sig, err := signer.Sign(msg)
	require.NoError(t, err)
	upper := "0x" + toUpperHex(addr[2:])
	assert.True(t, v.Verify(msg, sig, upper))
}

func toUpperHex(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'a' && c <= 'f' {
			out[i] = c - 'a' + 'A'
		}
	}
	return string(out)
}

func TestJobRequestMessageFormat(t *testing.T) {
	msg := domain.JobRequestMessage("spine-mri", "0xabc", "cas://in", time.Unix(1750000000, 0), "nonce-9")
	assert.Equal(t,
		"SwarmOS Job Request\nType: spine-mri\nClient: 0xabc\nInput: cas://in\nTimestamp: 1750000000\nNonce: nonce-9",
		msg)
}

func TestEpochSealMessageFormat(t *testing.T) {
	sealed := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	msg := domain.EpochSealMessage("epoch-007", "abcd", 42, decimal.RequireFromString("3.91"), sealed)
	assert.Equal(t,
		"SwarmOS Epoch Seal\nEpoch: epoch-007\nMerkle Root: abcd\nJobs: 42\nDistributed: 3.91\nSealed: 2026-03-02T00:00:00Z",
		msg)
}

func TestNewSignerRejectsGarbage(t *testing.T) {
	_, err := NewSigner("not-a-key")
	assert.Error(t, err)
}
