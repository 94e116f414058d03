// Package attestor is the off-engine agent that watches flight status for
// active triggers and submits signed attestations when a condition is met.
package attestor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"triggerpay/lifecycle"
	"triggerpay/logger"
	"triggerpay/models"
)

type FlightSource interface {
	Status(ctx context.Context, flightNumber string) (*FlightStatus, []byte, error)
}

type Engine interface {
	ActiveTriggers(ctx context.Context) ([]models.TriggerView, error)
	SubmitAttestation(ctx context.Context, a *models.Attestation) (*AttestationResult, error)
}

// CycleReport counts what one polling cycle did
type CycleReport struct {
	Checked   int
	Submitted int
	Failed    int
}

type Monitor struct {
	flights FlightSource
	engine  Engine
	signer  *Signer
	clock   lifecycle.Clock
}

func NewMonitor(flights FlightSource, engine Engine, signer *Signer, clock lifecycle.Clock) *Monitor {
	if clock == nil {
		clock = lifecycle.SystemClock
	}
	return &Monitor{flights: flights, engine: engine, signer: signer, clock: clock}
}

// ConditionMet evaluates a trigger's condition against an observed flight status
func ConditionMet(c models.Condition, flight *FlightStatus) bool {
	switch c.ConditionType {
	case models.FlightCancellation:
		return flight.Status == FlightStatusCancelled
	default:
		return false
	}
}

// RunCycle checks every active trigger once. Per-trigger failures are logged and counted.
func (m *Monitor) RunCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport

	triggers, err := m.engine.ActiveTriggers(ctx)
	if err != nil {
		logger.Logger.Error("Failed to fetch active triggers", zap.Error(err))
		return report, err
	}
	if len(triggers) == 0 {
		logger.Logger.Info("No active triggers to monitor")
		return report, nil
	}
	logger.Logger.Info("Monitoring active triggers", zap.Int("count", len(triggers)))

	for _, t := range triggers {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if t.Expired {
			continue
		}
		report.Checked++
		submitted, err := m.process(ctx, t)
		if err != nil {
			report.Failed++
			continue
		}
		if submitted {
			report.Submitted++
		}
	}
	return report, nil
}

func (m *Monitor) process(ctx context.Context, t models.TriggerView) (bool, error) {
	flightNumber := t.Condition.FlightNumber
	flight, body, err := m.flights.Status(ctx, flightNumber)
	if err != nil {
		logger.Logger.Warn("Failed to check flight",
			zap.String("trigger_id", t.ID),
			zap.String("flight_number", flightNumber),
			zap.Error(err))
		return false, err
	}

	met := ConditionMet(t.Condition, flight)
	logger.Logger.Debug("Flight checked",
		zap.String("trigger_id", t.ID),
		zap.String("flight_number", flightNumber),
		zap.String("status", flight.Status),
		zap.Bool("condition_met", met))
	if !met {
		return false, nil
	}

	a, err := m.signer.Attest(t.ID, flight.Status, body, true, m.clock.Now())
	if err != nil {
		logger.Logger.Error("Failed to build attestation", zap.String("trigger_id", t.ID), zap.Error(err))
		return false, err
	}
	result, err := m.engine.SubmitAttestation(ctx, a)
	if err != nil {
		logger.Logger.Error("Failed to submit attestation", zap.String("trigger_id", t.ID), zap.Error(err))
		return false, err
	}
	logger.Logger.Info("Attestation submitted",
		zap.String("trigger_id", t.ID),
		zap.Bool("executed", result.Executed),
		zap.Bool("dispatched", result.Dispatched))
	return true, nil
}

// Run runs a cycle immediately and then every interval until ctx is done
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.RunCycle(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
