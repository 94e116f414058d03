package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"triggerpay/access"
	"triggerpay/db"
	"triggerpay/dispatch"
	"triggerpay/handlers"
	"triggerpay/lifecycle"
	"triggerpay/logger"
	"triggerpay/models"
	"triggerpay/payout"
	"triggerpay/repository"
	"triggerpay/routers"
)

const (
	jwtSecret     = "handlers-test-secret"
	contractOwner = "owner.near"
	validAddress  = "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb5"
)

type published struct {
	subject string
	msg     any
}

type mockPublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (m *mockPublisher) Publish(ctx context.Context, subject string, msg any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, published{subject: subject, msg: msg})
	return nil
}

func (m *mockPublisher) Close() error { return nil }

type testEnv struct {
	router *mux.Router
	pub    *mockPublisher
	clock  *lifecycle.ManualClock
}

func testServer(t *testing.T) *testEnv {
	t.Helper()
	logger.Logger = zap.NewNop()

	ldb, err := db.NewMemLevelDB()
	if err != nil {
		t.Fatalf("opening leveldb: %v", err)
	}
	t.Cleanup(func() { ldb.Close() })

	clock := lifecycle.NewManualClock(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))
	engine := lifecycle.NewEngine(
		repository.NewTriggerRepository(ldb),
		access.NewPolicy(contractOwner, ""),
		payout.NewBuilder(0),
		clock,
		lifecycle.DefaultConfig(),
	)
	pub := &mockPublisher{}
	handler := handlers.NewHandler(engine, dispatch.NewDispatcher(pub, "", ""))
	router := mux.NewRouter()
	routers.RegisterRoutes(router, handler, access.NewJWTValidator(jwtSecret, ""))
	return &testEnv{router: router, pub: pub, clock: clock}
}

func token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := access.IssueToken(jwtSecret, "", subject, time.Hour)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, caller string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return e.doWithContext(t, context.Background(), method, path, caller, body)
}

func (e *testEnv) doWithContext(t *testing.T, ctx context.Context, method, path, caller string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader).WithContext(ctx)
	if caller != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, caller))
	}
	res := httptest.NewRecorder()
	e.router.ServeHTTP(res, req)
	return res
}

func createBody() map[string]interface{} {
	return map[string]interface{}{
		"condition": map[string]interface{}{
			"condition_type": "FlightCancellation",
			"flight_number":  "AA1234",
			"flight_date":    "2026-02-15",
		},
		"payout": map[string]interface{}{
			"amount":  "500000000000000000",
			"token":   "ETH",
			"address": validAddress,
			"chain":   "Ethereum",
		},
		"deposit": "1000000000000000000000000",
	}
}

func (e *testEnv) createTrigger(t *testing.T, owner string) models.TriggerView {
	t.Helper()
	res := e.do(t, http.MethodPost, "/triggers", owner, createBody())
	if res.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d, body: %s", res.Code, res.Body.String())
	}
	var view models.TriggerView
	if err := json.Unmarshal(res.Body.Bytes(), &view); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	return view
}

func TestCreateTrigger_Success(t *testing.T) {
	env := testServer(t)
	view := env.createTrigger(t, "alice.near")

	if view.ID != "trig_00000001" {
		t.Fatalf("expected id trig_00000001, got %s", view.ID)
	}
	if view.Owner != "alice.near" {
		t.Fatalf("expected owner alice.near, got %s", view.Owner)
	}
	if view.Status != models.StatusActive || view.AttestationCount != 0 {
		t.Fatalf("expected Active with 0 attestations, got %s/%d", view.Status, view.AttestationCount)
	}
	if view.Payout.Chain != models.Ethereum {
		t.Fatalf("expected Ethereum payout, got %s", view.Payout.Chain)
	}
}

func TestCreateTrigger_RequiresToken(t *testing.T) {
	env := testServer(t)
	res := env.do(t, http.MethodPost, "/triggers", "", createBody())
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestCreateTrigger_Invalid(t *testing.T) {
	env := testServer(t)

	lowDeposit := createBody()
	lowDeposit["deposit"] = "1"
	badAddress := createBody()
	badAddress["payout"].(map[string]interface{})["address"] = "invalid_address"
	badChain := createBody()
	badChain["payout"].(map[string]interface{})["chain"] = "Solana"

	for name, body := range map[string]map[string]interface{}{
		"low deposit": lowDeposit,
		"bad address": badAddress,
		"bad chain":   badChain,
	} {
		res := env.do(t, http.MethodPost, "/triggers", "alice.near", body)
		if res.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d, body: %s", name, res.Code, res.Body.String())
		}
	}

	res := env.do(t, http.MethodGet, "/stats", "", nil)
	var stats models.Stats
	json.Unmarshal(res.Body.Bytes(), &stats)
	if stats.Total != 0 {
		t.Fatalf("expected no triggers stored, got %d", stats.Total)
	}
}

func TestSubmitAttestation_ExecutesAndDispatches(t *testing.T) {
	env := testServer(t)
	view := env.createTrigger(t, "alice.near")

	notMet := map[string]interface{}{"trigger_id": view.ID, "observed_state": "scheduled", "condition_met": false}
	res := env.do(t, http.MethodPost, "/attestations", "agent.near", notMet)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", res.Code, res.Body.String())
	}
	var first handlers.SubmitAttestationResponse
	json.Unmarshal(res.Body.Bytes(), &first)
	if first.Executed || first.PayoutRequest != nil {
		t.Fatalf("expected no payout, got %+v", first)
	}

	met := map[string]interface{}{"trigger_id": view.ID, "observed_state": "cancelled", "condition_met": true}
	res = env.do(t, http.MethodPost, "/attestations", "agent.near", met)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", res.Code, res.Body.String())
	}
	var second handlers.SubmitAttestationResponse
	json.Unmarshal(res.Body.Bytes(), &second)
	if !second.Executed || !second.Dispatched || second.PayoutRequest == nil {
		t.Fatalf("expected dispatched payout, got %+v", second)
	}
	if second.PayoutRequest.Path != "ethereum-1" {
		t.Fatalf("expected routing key ethereum-1, got %s", second.PayoutRequest.Path)
	}
	if len(env.pub.sent) != 1 || env.pub.sent[0].subject != dispatch.DefaultSignSubject {
		t.Fatalf("expected one sign request published, got %+v", env.pub.sent)
	}

	// a second met attestation is rejected and publishes nothing
	res = env.do(t, http.MethodPost, "/attestations", "agent.near", met)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d, body: %s", res.Code, res.Body.String())
	}
	if len(env.pub.sent) != 1 {
		t.Fatalf("expected no further publish, got %d", len(env.pub.sent))
	}

	res = env.do(t, http.MethodGet, "/triggers/"+view.ID, "", nil)
	var got models.TriggerView
	json.Unmarshal(res.Body.Bytes(), &got)
	if got.Status != models.StatusExecuted || got.AttestationCount != 2 {
		t.Fatalf("expected Executed with 2 attestations, got %s/%d", got.Status, got.AttestationCount)
	}
}

func TestSubmitAttestation_DispatchFailureKeepsExecuted(t *testing.T) {
	env := testServer(t)
	view := env.createTrigger(t, "alice.near")
	env.pub.err = errors.New("signer unreachable")

	met := map[string]interface{}{"trigger_id": view.ID, "observed_state": "cancelled", "condition_met": true}
	res := env.do(t, http.MethodPost, "/attestations", "agent.near", met)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", res.Code, res.Body.String())
	}
	var resp handlers.SubmitAttestationResponse
	json.Unmarshal(res.Body.Bytes(), &resp)
	if !resp.Executed || resp.Dispatched {
		t.Fatalf("expected executed but undispatched, got %+v", resp)
	}

	res = env.do(t, http.MethodGet, "/triggers/"+view.ID, "", nil)
	var got models.TriggerView
	json.Unmarshal(res.Body.Bytes(), &got)
	if got.Status != models.StatusExecuted {
		t.Fatalf("expected Executed, got %s", got.Status)
	}
}

func TestDispatch_SurvivesClientDisconnect(t *testing.T) {
	env := testServer(t)
	view := env.createTrigger(t, "alice.near")
	gone, cancel := context.WithCancel(context.Background())
	cancel()

	met := map[string]interface{}{"trigger_id": view.ID, "observed_state": "cancelled", "condition_met": true}
	res := env.doWithContext(t, gone, http.MethodPost, "/attestations", "agent.near", met)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", res.Code, res.Body.String())
	}
	var resp handlers.SubmitAttestationResponse
	json.Unmarshal(res.Body.Bytes(), &resp)
	if !resp.Executed || !resp.Dispatched {
		t.Fatalf("expected executed and dispatched, got %+v", resp)
	}
	if len(env.pub.sent) != 1 || env.pub.sent[0].subject != dispatch.DefaultSignSubject {
		t.Fatalf("expected sign request published, got %+v", env.pub.sent)
	}

	expiring := env.createTrigger(t, "alice.near")
	env.clock.Advance(31 * 24 * time.Hour)
	res = env.doWithContext(t, gone, http.MethodPost, "/triggers/"+expiring.ID+"/refund", "alice.near", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", res.Code, res.Body.String())
	}
	var refund handlers.ClaimRefundResponse
	json.Unmarshal(res.Body.Bytes(), &refund)
	if !refund.Dispatched || len(env.pub.sent) != 2 || env.pub.sent[1].subject != dispatch.DefaultRefundSubject {
		t.Fatalf("expected refund published, got %+v", env.pub.sent)
	}
}

func TestCreateTrigger_BodyTooLarge(t *testing.T) {
	env := testServer(t)
	body := createBody()
	body["padding"] = strings.Repeat("x", 2<<20)

	res := env.do(t, http.MethodPost, "/triggers", "alice.near", body)
	if res.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestSubmitAttestation_UnknownTrigger(t *testing.T) {
	env := testServer(t)
	body := map[string]interface{}{"trigger_id": "trig_00000099", "condition_met": true}
	res := env.do(t, http.MethodPost, "/attestations", "agent.near", body)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestClaimRefund(t *testing.T) {
	env := testServer(t)
	view := env.createTrigger(t, "alice.near")
	path := "/triggers/" + view.ID + "/refund"

	res := env.do(t, http.MethodPost, path, "alice.near", nil)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 before expiry, got %d, body: %s", res.Code, res.Body.String())
	}

	env.clock.Advance(31 * 24 * time.Hour)

	res = env.do(t, http.MethodPost, path, "bob.near", nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner, got %d, body: %s", res.Code, res.Body.String())
	}

	res = env.do(t, http.MethodPost, path, "alice.near", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", res.Code, res.Body.String())
	}
	var resp handlers.ClaimRefundResponse
	json.Unmarshal(res.Body.Bytes(), &resp)
	if resp.Refund.Amount != "800000000000000000000000" || resp.Refund.Recipient != "alice.near" {
		t.Fatalf("unexpected refund %+v", resp.Refund)
	}
	if !resp.Dispatched || len(env.pub.sent) != 1 || env.pub.sent[0].subject != dispatch.DefaultRefundSubject {
		t.Fatalf("expected refund published, got %+v", env.pub.sent)
	}

	res = env.do(t, http.MethodPost, path, "alice.near", nil)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second claim, got %d", res.Code)
	}
}

func TestAttestorKey(t *testing.T) {
	env := testServer(t)
	key := map[string]string{"public_key": "d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a"}

	res := env.do(t, http.MethodGet, "/admin/attestor-key", "", nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before set, got %d", res.Code)
	}

	res = env.do(t, http.MethodPut, "/admin/attestor-key", "alice.near", key)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d, body: %s", res.Code, res.Body.String())
	}

	res = env.do(t, http.MethodPut, "/admin/attestor-key", contractOwner, key)
	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d, body: %s", res.Code, res.Body.String())
	}

	res = env.do(t, http.MethodGet, "/admin/attestor-key", "", nil)
	var got map[string]string
	json.Unmarshal(res.Body.Bytes(), &got)
	if got["public_key"] != key["public_key"] {
		t.Fatalf("expected stored key, got %v", got)
	}
}

func TestQueries(t *testing.T) {
	env := testServer(t)
	a := env.createTrigger(t, "alice.near")
	env.createTrigger(t, "bob.near")
	env.createTrigger(t, "alice.near")

	met := map[string]interface{}{"trigger_id": a.ID, "observed_state": "cancelled", "condition_met": true}
	if res := env.do(t, http.MethodPost, "/attestations", "agent.near", met); res.Code != http.StatusOK {
		t.Fatalf("attestation failed: %d", res.Code)
	}

	res := env.do(t, http.MethodGet, "/triggers?owner=alice.near", "", nil)
	var owned []models.TriggerView
	json.Unmarshal(res.Body.Bytes(), &owned)
	if len(owned) != 2 {
		t.Fatalf("expected 2 triggers for alice, got %d", len(owned))
	}

	res = env.do(t, http.MethodGet, "/triggers", "", nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without owner, got %d", res.Code)
	}

	res = env.do(t, http.MethodGet, "/triggers/active", "", nil)
	var active []models.TriggerView
	json.Unmarshal(res.Body.Bytes(), &active)
	if len(active) != 2 {
		t.Fatalf("expected 2 active triggers, got %d", len(active))
	}

	res = env.do(t, http.MethodGet, "/triggers/"+a.ID+"/attestations", "", nil)
	var attestations []models.Attestation
	json.Unmarshal(res.Body.Bytes(), &attestations)
	if len(attestations) != 1 || !attestations[0].ConditionMet {
		t.Fatalf("expected 1 met attestation, got %+v", attestations)
	}

	res = env.do(t, http.MethodGet, "/stats", "", nil)
	var stats models.Stats
	json.Unmarshal(res.Body.Bytes(), &stats)
	if stats != (models.Stats{Total: 3, Active: 2, Executed: 1}) {
		t.Fatalf("unexpected stats %+v", stats)
	}

	res = env.do(t, http.MethodGet, "/triggers/trig_0000ffff", "", nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestHealth(t *testing.T) {
	env := testServer(t)
	res := env.do(t, http.MethodGet, "/health", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if res.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}
