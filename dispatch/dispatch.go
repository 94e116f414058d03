// Package dispatch hands payout signing requests and refund instructions to
// the external signer and ledger. Delivery is fire-and-forget: nothing here
// waits for a signature or a transfer.
package dispatch

import (
	"context"
	"fmt"

	"triggerpay/models"
	"triggerpay/payout"

	"github.com/google/uuid"
)

const (
	DefaultSignSubject   = "triggerpay.sign.request"
	DefaultRefundSubject = "triggerpay.ledger.refund"
)

// Publisher delivers one message to a subject
type Publisher interface {
	Publish(ctx context.Context, subject string, msg any) error
	Close() error
}

// SignRequest is the message the threshold signer consumes
type SignRequest struct {
	RequestID  string `json:"request_id"`
	TriggerID  string `json:"trigger_id"`
	Path       string `json:"path"`
	Payload    string `json:"payload"` // hex, 32 bytes
	KeyVersion uint32 `json:"key_version"`
}

// RefundTransfer is the message the ledger consumes
type RefundTransfer struct {
	RequestID string `json:"request_id"`
	TriggerID string `json:"trigger_id"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

// Dispatcher routes lifecycle outputs to their collaborators
type Dispatcher struct {
	pub           Publisher
	signSubject   string
	refundSubject string
}

func NewDispatcher(pub Publisher, signSubject, refundSubject string) *Dispatcher {
	if signSubject == "" {
		signSubject = DefaultSignSubject
	}
	if refundSubject == "" {
		refundSubject = DefaultRefundSubject
	}
	return &Dispatcher{pub: pub, signSubject: signSubject, refundSubject: refundSubject}
}

// NewSignRequest wraps req in the signer's wire envelope
func NewSignRequest(req payout.Request) SignRequest {
	return SignRequest{
		RequestID:  uuid.New().String(),
		TriggerID:  req.TriggerID,
		Path:       req.RoutingKey,
		Payload:    req.PayloadHex(),
		KeyVersion: req.KeyVersion,
	}
}

// RequestSignature publishes req to the signer and returns the envelope sent
func (d *Dispatcher) RequestSignature(ctx context.Context, req payout.Request) (SignRequest, error) {
	msg := NewSignRequest(req)
	if err := d.pub.Publish(ctx, d.signSubject, msg); err != nil {
		return msg, fmt.Errorf("requesting signature for %s: %w", req.TriggerID, err)
	}
	return msg, nil
}

// Refund publishes the transfer described by refund to the ledger
func (d *Dispatcher) Refund(ctx context.Context, refund *models.RefundInstruction) error {
	msg := RefundTransfer{
		RequestID: uuid.New().String(),
		TriggerID: refund.TriggerID,
		Recipient: refund.Recipient,
		Amount:    refund.Amount.String(),
	}
	if err := d.pub.Publish(ctx, d.refundSubject, msg); err != nil {
		return fmt.Errorf("requesting refund for %s: %w", refund.TriggerID, err)
	}
	return nil
}

func (d *Dispatcher) Close() error {
	return d.pub.Close()
}
