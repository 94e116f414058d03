// Package lifecycle is the trigger state machine: creation, attestation-driven
// execution and expiry-driven refund.
package lifecycle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"triggerpay/access"
	"triggerpay/logger"
	"triggerpay/models"
	"triggerpay/payout"
	"triggerpay/repository"

	"go.uber.org/zap"
)

// Config holds the economic and time parameters of the engine.
// RetentionFee is withheld from every refund.
type Config struct {
	MinimumDeposit *big.Int
	RetentionFee   *big.Int
	ExpiryHorizon  time.Duration
}

// DefaultConfig is 1 NEAR minimum, 0.2 NEAR retention and a 30 day horizon, in yocto units
func DefaultConfig() Config {
	minimum, _ := new(big.Int).SetString("1000000000000000000000000", 10)
	fee, _ := new(big.Int).SetString("200000000000000000000000", 10)
	return Config{
		MinimumDeposit: minimum,
		RetentionFee:   fee,
		ExpiryHorizon:  30 * 24 * time.Hour,
	}
}

// Engine applies every trigger state transition. Mutating operations hold the
// write lock and queries the read lock, so no query observes half of an operation.
type Engine struct {
	repo    repository.TriggerRepositoryInterface
	policy  *access.Policy
	builder *payout.Builder
	clock   Clock
	cfg     Config
	mux     sync.RWMutex
}

func NewEngine(repo repository.TriggerRepositoryInterface, policy *access.Policy, builder *payout.Builder, clock Clock, cfg Config) *Engine {
	if clock == nil {
		clock = SystemClock
	}
	return &Engine{repo: repo, policy: policy, builder: builder, clock: clock, cfg: cfg}
}

// CreateTrigger escrows deposit from owner against condition and returns the new trigger id
func (e *Engine) CreateTrigger(owner string, condition models.Condition, p models.Payout, deposit *big.Int) (string, error) {
	if owner == "" {
		return "", ErrUnauthenticated
	}
	if err := validateDeposit(deposit, e.cfg.MinimumDeposit); err != nil {
		return "", err
	}
	if err := validateCondition(condition); err != nil {
		return "", err
	}
	if err := validatePayout(p); err != nil {
		return "", err
	}
	condition.FlightNumber = strings.TrimSpace(condition.FlightNumber)

	e.mux.Lock()
	defer e.mux.Unlock()

	counter, err := e.repo.TriggerCounter()
	if err != nil {
		return "", fmt.Errorf("reading trigger counter: %w", err)
	}
	seq := counter + 1
	now := e.clock.Now()
	t := &models.Trigger{
		ID:           fmt.Sprintf("trig_%08x", seq),
		Owner:        owner,
		Condition:    condition,
		Payout:       p,
		FundedAmount: new(big.Int).Set(deposit),
		Status:       models.StatusActive,
		CreatedAt:    now,
		ExpiresAt:    now.Add(e.cfg.ExpiryHorizon),
	}
	if err := e.repo.CreateTrigger(t, seq); err != nil {
		return "", fmt.Errorf("storing trigger: %w", err)
	}

	logger.Logger.Info("Trigger created",
		zap.String("trigger_id", t.ID),
		zap.String("owner", owner),
		zap.String("funded_amount", deposit.String()),
		zap.Time("expires_at", t.ExpiresAt))
	return t.ID, nil
}

// SubmitAttestation records a against its trigger. When a reports the
// condition met, the trigger moves to Executed and the payout request for the
// external signer is returned. Attestations against a trigger that is no
// longer Active are rejected and not recorded.
func (e *Engine) SubmitAttestation(caller string, a *models.Attestation) (*payout.Request, error) {
	if !e.policy.MaySubmitAttestation(caller) {
		return nil, ErrNotAttestor
	}
	if err := validateAttestation(a); err != nil {
		return nil, err
	}

	e.mux.Lock()
	defer e.mux.Unlock()

	t, err := e.getTrigger(a.TriggerID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTriggerNotActive, t.ID, t.Status)
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = e.clock.Now()
	}

	// TODO: reject unsigned attestations with attestor.Verify once an attestor key is required at startup
	if !a.ConditionMet {
		if err := e.repo.AppendAttestation(a, nil); err != nil {
			return nil, fmt.Errorf("appending attestation: %w", err)
		}
		logger.Logger.Info("Attestation recorded",
			zap.String("trigger_id", t.ID),
			zap.String("observed_state", a.ObservedState),
			zap.Bool("condition_met", false))
		return nil, nil
	}

	executed := *t
	executed.Status = models.StatusExecuted
	if err := e.repo.AppendAttestation(a, &executed); err != nil {
		return nil, fmt.Errorf("appending attestation: %w", err)
	}
	req := e.builder.Build(&executed)

	logger.Logger.Info("Condition met, payout requested",
		zap.String("trigger_id", t.ID),
		zap.String("observed_state", a.ObservedState),
		zap.String("routing_key", req.RoutingKey),
		zap.String("amount", t.Payout.Amount),
		zap.String("token", t.Payout.Token),
		zap.String("address", t.Payout.Address))
	return &req, nil
}

// ClaimRefund returns an expired, unresolved trigger's collateral, minus the
// retention fee, to its owner
func (e *Engine) ClaimRefund(triggerID, caller string) (*models.RefundInstruction, error) {
	e.mux.Lock()
	defer e.mux.Unlock()

	t, err := e.getTrigger(triggerID)
	if err != nil {
		return nil, err
	}
	if !e.policy.IsTriggerOwner(t.Owner, caller) {
		return nil, ErrNotOwner
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTriggerNotActive, t.ID, t.Status)
	}
	now := e.clock.Now()
	if !now.After(t.ExpiresAt) {
		return nil, fmt.Errorf("%w: expires at %s", ErrNotYetExpired, t.ExpiresAt.Format(time.RFC3339))
	}

	refunded := *t
	refunded.Status = models.StatusRefunded
	if err := e.repo.PutTrigger(&refunded); err != nil {
		return nil, fmt.Errorf("storing trigger: %w", err)
	}

	amount := RefundAmount(t.FundedAmount, e.cfg.RetentionFee)
	logger.Logger.Info("Refund issued",
		zap.String("trigger_id", t.ID),
		zap.String("owner", t.Owner),
		zap.String("amount", amount.String()))
	return &models.RefundInstruction{TriggerID: t.ID, Recipient: t.Owner, Amount: amount}, nil
}

// RefundAmount is funded minus fee, floored at zero
func RefundAmount(funded, fee *big.Int) *big.Int {
	if funded == nil || funded.Cmp(fee) <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sub(funded, fee)
}

// SetAttestorKey stores the attestor's hex-encoded ed25519 public key
func (e *Engine) SetAttestorKey(caller, publicKey string) error {
	if !e.policy.IsContractOwner(caller) {
		return ErrNotContractOwner
	}
	key, err := decodeAttestorKey(publicKey)
	if err != nil {
		return err
	}

	e.mux.Lock()
	defer e.mux.Unlock()

	if err := e.repo.PutAttestorKey(key); err != nil {
		return fmt.Errorf("storing attestor key: %w", err)
	}
	logger.Logger.Info("Attestor public key set", zap.Binary("public_key", key))
	return nil
}

// AttestorKey returns the stored attestor key, nil when unset
func (e *Engine) AttestorKey() ([]byte, error) {
	e.mux.RLock()
	defer e.mux.RUnlock()

	return e.repo.GetAttestorKey()
}

// GetTrigger returns the view of one trigger
func (e *Engine) GetTrigger(id string) (*models.TriggerView, error) {
	e.mux.RLock()
	defer e.mux.RUnlock()

	t, err := e.getTrigger(id)
	if err != nil {
		return nil, err
	}
	view, err := e.view(t, e.clock.Now())
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// GetTriggersByOwner returns every trigger owner created, oldest first
func (e *Engine) GetTriggersByOwner(owner string) ([]models.TriggerView, error) {
	e.mux.RLock()
	defer e.mux.RUnlock()

	triggers, err := e.repo.GetTriggersByOwner(owner)
	if err != nil {
		return nil, err
	}
	return e.views(triggers, nil)
}

// GetActiveTriggers returns every Active trigger, including expired ones not yet refunded
func (e *Engine) GetActiveTriggers() ([]models.TriggerView, error) {
	e.mux.RLock()
	defer e.mux.RUnlock()

	triggers, err := e.repo.GetAllTriggers()
	if err != nil {
		return nil, err
	}
	return e.views(triggers, func(t *models.Trigger) bool { return t.Status == models.StatusActive })
}

// GetAttestations returns the trigger's attestations in submission order
func (e *Engine) GetAttestations(triggerID string) ([]*models.Attestation, error) {
	e.mux.RLock()
	defer e.mux.RUnlock()

	if _, err := e.getTrigger(triggerID); err != nil {
		return nil, err
	}
	return e.repo.GetAttestations(triggerID)
}

// Stats counts triggers by status
func (e *Engine) Stats() (models.Stats, error) {
	e.mux.RLock()
	defer e.mux.RUnlock()

	triggers, err := e.repo.GetAllTriggers()
	if err != nil {
		return models.Stats{}, err
	}
	stats := models.Stats{Total: len(triggers)}
	for _, t := range triggers {
		switch t.Status {
		case models.StatusActive:
			stats.Active++
		case models.StatusExecuted:
			stats.Executed++
		case models.StatusRefunded:
			stats.Refunded++
		}
	}
	return stats, nil
}

func (e *Engine) getTrigger(id string) (*models.Trigger, error) {
	t, err := e.repo.GetTrigger(id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading trigger %s: %w", id, err)
	}
	return t, nil
}

func (e *Engine) view(t *models.Trigger, now time.Time) (models.TriggerView, error) {
	count, err := e.repo.CountAttestations(t.ID)
	if err != nil {
		return models.TriggerView{}, err
	}
	return models.NewTriggerView(t, count, now), nil
}

func (e *Engine) views(triggers []*models.Trigger, keep func(*models.Trigger) bool) ([]models.TriggerView, error) {
	now := e.clock.Now()
	views := make([]models.TriggerView, 0, len(triggers))
	for _, t := range triggers {
		if keep != nil && !keep(t) {
			continue
		}
		v, err := e.view(t, now)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}
