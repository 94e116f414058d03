package handlers

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"triggerpay/access"
	"triggerpay/dispatch"
	"triggerpay/lifecycle"
	"triggerpay/logger"
	"triggerpay/models"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handler contains the HTTP handlers for the trigger API endpoints
type Handler struct {
	Engine     *lifecycle.Engine
	Dispatcher *dispatch.Dispatcher
}

const (
	maxBodyBytes    = 1 << 20
	dispatchTimeout = 10 * time.Second
)

// NewHandler creates and returns a new Handler instance
func NewHandler(e *lifecycle.Engine, d *dispatch.Dispatcher) *Handler {
	return &Handler{Engine: e, Dispatcher: d}
}

// decodeBody decodes a size-capped JSON body into v, writing the error response on failure
func decodeBody(w http.ResponseWriter, r *http.Request, what string, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil {
		return true
	}
	logger.Logger.Warn("Failed to decode "+what, zap.Error(err))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, "Invalid request payload")
	return false
}

// dispatchContext outlives the client connection; the transition it follows is already committed
func dispatchContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), dispatchTimeout)
}

// CreateTriggerRequest is the body of POST /triggers. Deposit stands in for
// the value attached to the call and is escrowed by the ledger.
type CreateTriggerRequest struct {
	Condition models.Condition `json:"condition"`
	Payout    models.Payout    `json:"payout"`
	Deposit   string           `json:"deposit"`
}

// SubmitAttestationResponse reports whether the attestation executed the trigger
type SubmitAttestationResponse struct {
	Executed      bool                  `json:"executed"`
	PayoutRequest *dispatch.SignRequest `json:"payout_request,omitempty"`
	Dispatched    bool                  `json:"dispatched"`
}

// ClaimRefundResponse carries the refund handed to the ledger
type ClaimRefundResponse struct {
	Refund     dispatch.RefundTransfer `json:"refund"`
	Dispatched bool                    `json:"dispatched"`
}

type attestorKeyBody struct {
	PublicKey string `json:"public_key"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps the lifecycle error taxonomy onto HTTP statuses
func writeEngineError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	switch lifecycle.KindOf(err) {
	case lifecycle.KindValidation:
		status = http.StatusBadRequest
	case lifecycle.KindAuthorization:
		status = http.StatusForbidden
		if access.Caller(r.Context()) == "" {
			status = http.StatusUnauthorized
		}
	case lifecycle.KindState:
		status = http.StatusConflict
	case lifecycle.KindNotFound:
		status = http.StatusNotFound
	}

	fields := []zap.Field{
		zap.String("op", op),
		zap.String("request_id", access.RequestID(r.Context())),
		zap.Error(err),
	}
	if status == http.StatusInternalServerError {
		logger.Logger.Error("Request failed", fields...)
		writeError(w, status, "internal error")
		return
	}
	logger.Logger.Warn("Request rejected", fields...)
	writeError(w, status, err.Error())
}

// CreateTrigger handles POST requests that escrow a deposit against a condition
func (h *Handler) CreateTrigger(w http.ResponseWriter, r *http.Request) {
	var body CreateTriggerRequest
	if !decodeBody(w, r, "trigger", &body) {
		return
	}
	deposit, ok := new(big.Int).SetString(body.Deposit, 10)
	if !ok {
		deposit = nil
	}

	id, err := h.Engine.CreateTrigger(access.Caller(r.Context()), body.Condition, body.Payout, deposit)
	if err != nil {
		writeEngineError(w, r, "create_trigger", err)
		return
	}
	view, err := h.Engine.GetTrigger(id)
	if err != nil {
		writeEngineError(w, r, "create_trigger", err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// SubmitAttestation handles POST requests carrying an attestor report. A met
// condition is dispatched to the signer after the trigger is already Executed;
// a dispatch failure is reported but does not undo the transition.
func (h *Handler) SubmitAttestation(w http.ResponseWriter, r *http.Request) {
	var a models.Attestation
	if !decodeBody(w, r, "attestation", &a) {
		return
	}

	req, err := h.Engine.SubmitAttestation(access.Caller(r.Context()), &a)
	if err != nil {
		writeEngineError(w, r, "submit_attestation", err)
		return
	}
	if req == nil {
		writeJSON(w, http.StatusOK, SubmitAttestationResponse{})
		return
	}

	resp := SubmitAttestationResponse{Executed: true, Dispatched: true}
	ctx, cancel := dispatchContext(r)
	defer cancel()
	sent, err := h.Dispatcher.RequestSignature(ctx, *req)
	if err != nil {
		// the trigger stays Executed with no payout in flight
		logger.Logger.Error("Payout dispatch failed",
			zap.String("trigger_id", req.TriggerID),
			zap.String("request_id", sent.RequestID),
			zap.Error(err))
		resp.Dispatched = false
	}
	resp.PayoutRequest = &sent
	writeJSON(w, http.StatusOK, resp)
}

// ClaimRefund handles POST requests from a trigger owner after expiry
func (h *Handler) ClaimRefund(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	refund, err := h.Engine.ClaimRefund(id, access.Caller(r.Context()))
	if err != nil {
		writeEngineError(w, r, "claim_refund", err)
		return
	}

	resp := ClaimRefundResponse{
		Refund: dispatch.RefundTransfer{
			TriggerID: refund.TriggerID,
			Recipient: refund.Recipient,
			Amount:    refund.Amount.String(),
		},
		Dispatched: true,
	}
	ctx, cancel := dispatchContext(r)
	defer cancel()
	if err := h.Dispatcher.Refund(ctx, refund); err != nil {
		logger.Logger.Error("Refund dispatch failed", zap.String("trigger_id", id), zap.Error(err))
		resp.Dispatched = false
	}
	writeJSON(w, http.StatusOK, resp)
}

// SetAttestorKey handles PUT requests from the contract owner
func (h *Handler) SetAttestorKey(w http.ResponseWriter, r *http.Request) {
	var body attestorKeyBody
	if !decodeBody(w, r, "attestor key", &body) {
		return
	}
	if err := h.Engine.SetAttestorKey(access.Caller(r.Context()), body.PublicKey); err != nil {
		writeEngineError(w, r, "set_attestor_key", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetAttestorKey returns the configured attestor key, 404 when unset
func (h *Handler) GetAttestorKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.Engine.AttestorKey()
	if err != nil {
		writeEngineError(w, r, "get_attestor_key", err)
		return
	}
	if key == nil {
		writeError(w, http.StatusNotFound, "attestor key not set")
		return
	}
	writeJSON(w, http.StatusOK, attestorKeyBody{PublicKey: hex.EncodeToString(key)})
}

// GetTrigger handles GET requests for one trigger
func (h *Handler) GetTrigger(w http.ResponseWriter, r *http.Request) {
	view, err := h.Engine.GetTrigger(mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, r, "get_trigger", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetTriggersByOwner handles GET /triggers?owner=
func (h *Handler) GetTriggersByOwner(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter is required")
		return
	}
	views, err := h.Engine.GetTriggersByOwner(owner)
	if err != nil {
		writeEngineError(w, r, "get_user_triggers", err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// GetActiveTriggers lists every Active trigger, the attestor's polling set
func (h *Handler) GetActiveTriggers(w http.ResponseWriter, r *http.Request) {
	views, err := h.Engine.GetActiveTriggers()
	if err != nil {
		writeEngineError(w, r, "get_active_triggers", err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// GetAttestations lists a trigger's attestations in submission order
func (h *Handler) GetAttestations(w http.ResponseWriter, r *http.Request) {
	attestations, err := h.Engine.GetAttestations(mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, r, "get_attestations", err)
		return
	}
	writeJSON(w, http.StatusOK, attestations)
}

// GetStats returns aggregate trigger counts
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Engine.Stats()
	if err != nil {
		writeEngineError(w, r, "get_stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
