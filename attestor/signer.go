package attestor

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"triggerpay/models"
)

// Signer holds the agent's ed25519 key and produces signed attestations
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner derives the key from a hex seed, or generates an ephemeral one when seedHex is empty
func NewSigner(seedHex string) (*Signer, error) {
	if seedHex == "" {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}
		return &Signer{priv: priv, pub: pub}, nil
	}

	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decoding signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// PublicKeyHex is the value an operator registers as the attestor key
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// EvidenceHash hashes the canonical (RFC 8785) form of a JSON evidence body
func EvidenceHash(body []byte) (string, error) {
	canonical, err := jcs.Transform(body)
	if err != nil {
		return "", fmt.Errorf("canonicalizing evidence: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// SigningMessage is trigger_id|unix_nanos|evidence_hash|observed_state|condition_met
func SigningMessage(a *models.Attestation) []byte {
	return []byte(strings.Join([]string{
		a.TriggerID,
		strconv.FormatInt(a.Timestamp.UnixNano(), 10),
		a.EvidenceHash,
		a.ObservedState,
		strconv.FormatBool(a.ConditionMet),
	}, "|"))
}

// Attest builds and signs an attestation over the given evidence body
func (s *Signer) Attest(triggerID, observedState string, evidence []byte, conditionMet bool, at time.Time) (*models.Attestation, error) {
	hash, err := EvidenceHash(evidence)
	if err != nil {
		return nil, err
	}
	a := &models.Attestation{
		TriggerID:     triggerID,
		Timestamp:     at.UTC(),
		EvidenceHash:  hash,
		ObservedState: observedState,
		ConditionMet:  conditionMet,
	}
	a.Signature = hex.EncodeToString(ed25519.Sign(s.priv, SigningMessage(a)))
	return a, nil
}

// Verify checks a's signature against a hex public key
func Verify(pubHex string, a *models.Attestation) bool {
	pub, err := hex.DecodeString(strings.TrimPrefix(pubHex, "ed25519:"))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(a.Signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, SigningMessage(a), sig)
}
