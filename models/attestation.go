package models

import "time"

// Attestation is one attestor report on a trigger's condition. Never mutated once recorded.
type Attestation struct {
	TriggerID     string    `json:"trigger_id"`
	Timestamp     time.Time `json:"timestamp"`
	EvidenceHash  string    `json:"evidence_hash"`  // hex sha256 of the evidence the attestor consulted
	ObservedState string    `json:"observed_state"` // e.g. "cancelled"
	ConditionMet  bool      `json:"condition_met"`
	Signature     string    `json:"signature"` // hex ed25519 signature by the attestor key
}
