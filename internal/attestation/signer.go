package attestation

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces deterministic attestations over task responses with the
// operator's secp256k1 key. The on-chain aggregator recovers the signer
// address from the same digest, so Digest is the canonical encoding rule
// shared by both sides.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// LoadKey reads a hex-encoded private key from a file. The file buffer is
// scrubbed before returning; the key itself must never be logged.
func LoadKey(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read operator key: %w", err)
	}
	defer scrub(raw)

	trimmed := bytes.TrimSpace(raw)
	trimmed = bytes.TrimPrefix(trimmed, []byte("0x"))

	key, err := crypto.HexToECDSA(string(trimmed))
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}
	return NewSigner(key), nil
}

// NewSigner wraps an already-parsed private key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// Operator returns the operator identity derived from the key.
func (s *Signer) Operator() common.Address {
	return s.address
}

// Fingerprint is a fixed-length truncated identity for audit logs. It is
// the only key-derived value that may appear in log output.
func (s *Signer) Fingerprint() string {
	return s.address.Hex()[:10]
}

// Digest computes the canonical message digest for (taskIndex, payload):
// keccak256 over the fixed-width big-endian task index and the keccak256
// hash of the payload. Fixed-width fields keep the encoding unambiguous;
// the payload is hashed, never signed raw.
func Digest(taskIndex uint64, payload []byte) []byte {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], taskIndex)
	return crypto.Keccak256(idx[:], crypto.Keccak256(payload))
}

// Sign produces a 65-byte [R || S || V] recoverable signature over the
// canonical digest. Deterministic for identical key and inputs.
func (s *Signer) Sign(taskIndex uint64, payload []byte) ([]byte, error) {
	sig, err := crypto.Sign(Digest(taskIndex, payload), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign task %d: %w", taskIndex, err)
	}
	return sig, nil
}

// Verify checks that signature recovers to the claimed signer over the same
// canonical digest. This is the exact inverse of Sign.
func Verify(taskIndex uint64, payload, signature []byte, claimed common.Address) bool {
	if len(signature) != crypto.SignatureLength {
		return false
	}
	pub, err := crypto.SigToPub(Digest(taskIndex, payload), signature)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == claimed
}

func scrub(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
