package models

import (
	"fmt"
	"math/big"
	"time"
)

// ConditionType is the closed set of real-world predicates a trigger can watch
type ConditionType uint8

const (
	FlightCancellation ConditionType = iota + 1
)

var conditionTypeNames = map[ConditionType]string{
	FlightCancellation: "FlightCancellation",
}

func (c ConditionType) String() string {
	if name, ok := conditionTypeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ConditionType(%d)", uint8(c))
}

func (c ConditionType) MarshalText() ([]byte, error) {
	name, ok := conditionTypeNames[c]
	if !ok {
		return nil, fmt.Errorf("unknown condition type %d", uint8(c))
	}
	return []byte(name), nil
}

func (c *ConditionType) UnmarshalText(text []byte) error {
	for k, name := range conditionTypeNames {
		if name == string(text) {
			*c = k
			return nil
		}
	}
	return fmt.Errorf("unknown condition type %q", text)
}

// Condition describes the monitored predicate. Fields beyond the type are kind-specific.
type Condition struct {
	ConditionType ConditionType `json:"condition_type"`
	FlightNumber  string        `json:"flight_number"`
	FlightDate    string        `json:"flight_date"` // YYYY-MM-DD
}

// Chain is a destination settlement network
type Chain uint8

const (
	Ethereum Chain = iota + 1
	Base
	Arbitrum
)

var chainNames = map[Chain]string{
	Ethereum: "Ethereum",
	Base:     "Base",
	Arbitrum: "Arbitrum",
}

// Valid reports whether c is one of the supported networks
func (c Chain) Valid() bool {
	_, ok := chainNames[c]
	return ok
}

func (c Chain) String() string {
	if name, ok := chainNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Chain(%d)", uint8(c))
}

func (c Chain) MarshalText() ([]byte, error) {
	name, ok := chainNames[c]
	if !ok {
		return nil, fmt.Errorf("unknown chain %d", uint8(c))
	}
	return []byte(name), nil
}

func (c *Chain) UnmarshalText(text []byte) error {
	for k, name := range chainNames {
		if name == string(text) {
			*c = k
			return nil
		}
	}
	return fmt.Errorf("unsupported chain %q", text)
}

// Payout is what gets paid, where, if the condition resolves true
type Payout struct {
	Amount  string `json:"amount"`  // smallest unit of the token, kept as presented
	Token   string `json:"token"`   // "ETH", "USDC", ...
	Address string `json:"address"` // recipient on the destination chain
	Chain   Chain  `json:"chain"`
}

type Status string

const (
	StatusActive   Status = "Active"
	StatusExecuted Status = "Executed"
	StatusRefunded Status = "Refunded"

	// StatusExpired is never stored; see Trigger.Expired.
	StatusExpired Status = "Expired"
)

// Terminal reports whether no further transition can leave s
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusRefunded
}

type Trigger struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Condition    Condition `json:"condition"`
	Payout       Payout    `json:"payout"`
	FundedAmount *big.Int  `json:"funded_amount"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	ExecutedTx   *string   `json:"executed_tx,omitempty"`
}

// Expired is the logical Expired state: still Active but past its horizon
func (t *Trigger) Expired(now time.Time) bool {
	return t.Status == StatusActive && now.After(t.ExpiresAt)
}

// TriggerView is the read model handed to callers
type TriggerView struct {
	ID               string    `json:"id"`
	Owner            string    `json:"owner"`
	Condition        Condition `json:"condition"`
	Payout           Payout    `json:"payout"`
	FundedAmount     string    `json:"funded_amount"`
	Status           Status    `json:"status"`
	Expired          bool      `json:"expired"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	ExecutedTx       *string   `json:"executed_tx,omitempty"`
	AttestationCount int       `json:"attestation_count"`
}

// NewTriggerView builds the view of t as of now
func NewTriggerView(t *Trigger, attestationCount int, now time.Time) TriggerView {
	funded := "0"
	if t.FundedAmount != nil {
		funded = t.FundedAmount.String()
	}
	return TriggerView{
		ID:               t.ID,
		Owner:            t.Owner,
		Condition:        t.Condition,
		Payout:           t.Payout,
		FundedAmount:     funded,
		Status:           t.Status,
		Expired:          t.Expired(now),
		CreatedAt:        t.CreatedAt,
		ExpiresAt:        t.ExpiresAt,
		ExecutedTx:       t.ExecutedTx,
		AttestationCount: attestationCount,
	}
}

// Stats are aggregate trigger counts
type Stats struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Executed int `json:"executed"`
	Refunded int `json:"refunded"`
}

// RefundInstruction tells the ledger to return collateral to the owner
type RefundInstruction struct {
	TriggerID string   `json:"trigger_id"`
	Recipient string   `json:"recipient"`
	Amount    *big.Int `json:"amount"`
}
