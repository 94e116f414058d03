package routers

import (
	"net/http"

	"triggerpay/access"
	"triggerpay/handlers"

	"github.com/gorilla/mux"
)

// RegisterRoutes sets up all the HTTP routes for the trigger engine.
// Mutating routes require a bearer token; queries are public.
func RegisterRoutes(r *mux.Router, h *handlers.Handler, validator *access.JWTValidator) {
	r.Use(access.RequestIDMiddleware)
	authed := access.NewMiddleware(validator)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	// Escrows a deposit against a condition, owned by the caller
	r.Handle("/triggers", authed(http.HandlerFunc(h.CreateTrigger))).Methods(http.MethodPost)

	// Attestor reports; a met condition executes the trigger and requests a payout signature
	r.Handle("/attestations", authed(http.HandlerFunc(h.SubmitAttestation))).Methods(http.MethodPost)

	// Owner reclaims collateral after expiry
	r.Handle("/triggers/{id}/refund", authed(http.HandlerFunc(h.ClaimRefund))).Methods(http.MethodPost)

	// Contract owner sets the attestor verification key
	r.Handle("/admin/attestor-key", authed(http.HandlerFunc(h.SetAttestorKey))).Methods(http.MethodPut)
	r.HandleFunc("/admin/attestor-key", h.GetAttestorKey).Methods(http.MethodGet)

	// Registered before /triggers/{id} so "active" is not taken as an id
	r.HandleFunc("/triggers/active", h.GetActiveTriggers).Methods(http.MethodGet)
	r.HandleFunc("/triggers", h.GetTriggersByOwner).Methods(http.MethodGet)
	r.HandleFunc("/triggers/{id}", h.GetTrigger).Methods(http.MethodGet)
	r.HandleFunc("/triggers/{id}/attestations", h.GetAttestations).Methods(http.MethodGet)

	r.HandleFunc("/stats", h.GetStats).Methods(http.MethodGet)
}
