package lifecycle

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"triggerpay/models"
)

var (
	evmAddressRe   = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	flightNumberRe = regexp.MustCompile(`^[A-Z0-9]{2,8}$`)
)

func validateDeposit(deposit, minimum *big.Int) error {
	if deposit == nil || deposit.Cmp(minimum) < 0 {
		return fmt.Errorf("%w: minimum deposit is %s", ErrInsufficientDeposit, minimum)
	}
	return nil
}

func validateCondition(c models.Condition) error {
	switch c.ConditionType {
	case models.FlightCancellation:
		if strings.TrimSpace(c.FlightNumber) == "" {
			return fmt.Errorf("%w: flight number is required", ErrInvalidCondition)
		}
		if !flightNumberRe.MatchString(strings.TrimSpace(c.FlightNumber)) {
			return fmt.Errorf("%w: malformed flight number %q", ErrInvalidCondition, c.FlightNumber)
		}
		if c.FlightDate == "" {
			return fmt.Errorf("%w: flight date is required", ErrInvalidCondition)
		}
		if _, err := time.Parse(time.DateOnly, c.FlightDate); err != nil {
			return fmt.Errorf("%w: flight date %q is not YYYY-MM-DD", ErrInvalidCondition, c.FlightDate)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported condition type %s", ErrInvalidCondition, c.ConditionType)
	}
}

func validatePayout(p models.Payout) error {
	// the amount is hashed as presented, so only its presence is checked
	if strings.TrimSpace(p.Amount) == "" {
		return fmt.Errorf("%w: payout amount is required", ErrInvalidPayoutAmount)
	}
	if strings.TrimSpace(p.Token) == "" {
		return fmt.Errorf("%w: payout token is required", ErrInvalidPayoutAmount)
	}
	if !p.Chain.Valid() {
		return fmt.Errorf("%w: unsupported chain %s", ErrInvalidPayoutAddr, p.Chain)
	}
	// every supported chain is EVM-style
	if !evmAddressRe.MatchString(p.Address) {
		return fmt.Errorf("%w: %q is not a 0x-prefixed 40 hex digit address", ErrInvalidPayoutAddr, p.Address)
	}
	return nil
}

func validateAttestation(a *models.Attestation) error {
	if a == nil || a.TriggerID == "" {
		return fmt.Errorf("%w: trigger id is required", ErrInvalidAttestation)
	}
	return nil
}

func decodeAttestorKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimPrefix(s, "ed25519:"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttestorKey, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidAttestorKey, len(key))
	}
	return key, nil
}
