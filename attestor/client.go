package attestor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"triggerpay/models"
)

// EngineClient talks to the trigger engine's HTTP API as the attestor
type EngineClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewEngineClient(baseURL, token string) *EngineClient {
	return &EngineClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// AttestationResult is the engine's reply to a submitted attestation
type AttestationResult struct {
	Executed   bool `json:"executed"`
	Dispatched bool `json:"dispatched"`
}

func (c *EngineClient) ActiveTriggers(ctx context.Context) ([]models.TriggerView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/triggers/active", nil)
	if err != nil {
		return nil, err
	}
	var views []models.TriggerView
	if err := c.do(req, &views); err != nil {
		return nil, fmt.Errorf("fetching active triggers: %w", err)
	}
	return views, nil
}

func (c *EngineClient) SubmitAttestation(ctx context.Context, a *models.Attestation) (*AttestationResult, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/attestations", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	var result AttestationResult
	if err := c.do(req, &result); err != nil {
		return nil, fmt.Errorf("submitting attestation for %s: %w", a.TriggerID, err)
	}
	return &result, nil
}

func (c *EngineClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("engine returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("engine returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
