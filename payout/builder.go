// Package payout derives the request a remote threshold signer co-signs to
// pay a trigger out on its destination chain.
package payout

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"triggerpay/models"
)

// PayloadSize is the length of every signing payload
const PayloadSize = sha256.Size

// routingKeys maps each destination chain to the signer derivation path.
// Adding a chain to models.Chain without an entry here fails TestRoutingKeyForEveryChain.
var routingKeys = map[models.Chain]string{
	models.Ethereum: "ethereum-1",
	models.Base:     "base-1",
	models.Arbitrum: "arbitrum-1",
}

// Request is the value handed to the external signer
type Request struct {
	TriggerID  string
	RoutingKey string
	Payload    [PayloadSize]byte
	KeyVersion uint32
}

// PayloadHex returns the payload as lowercase hex
func (r Request) PayloadHex() string {
	return hex.EncodeToString(r.Payload[:])
}

// Builder builds payout requests for a fixed signer key version
type Builder struct {
	KeyVersion uint32
}

func NewBuilder(keyVersion uint32) *Builder {
	return &Builder{KeyVersion: keyVersion}
}

// RoutingKey returns the signer routing key for chain. The chain set is closed
// and validated when a trigger is created, so a miss is a programming error.
func RoutingKey(chain models.Chain) string {
	key, ok := routingKeys[chain]
	if !ok {
		panic(fmt.Sprintf("payout: no routing key for %s", chain))
	}
	return key
}

// Payload is sha256(address || amount || trigger id) over the raw string
// bytes, in that order. Consumers of earlier payloads depend on this layout.
func Payload(address, amount, triggerID string) [PayloadSize]byte {
	h := sha256.New()
	h.Write([]byte(address))
	h.Write([]byte(amount))
	h.Write([]byte(triggerID))
	var out [PayloadSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Build derives the payout request for t. It performs no I/O.
func (b *Builder) Build(t *models.Trigger) Request {
	return Request{
		TriggerID:  t.ID,
		RoutingKey: RoutingKey(t.Payout.Chain),
		Payload:    Payload(t.Payout.Address, t.Payout.Amount, t.ID),
		KeyVersion: b.KeyVersion,
	}
}
