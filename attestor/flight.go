package attestor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// FlightStatusCancelled is the observed status that satisfies a FlightCancellation condition
const FlightStatusCancelled = "cancelled"

// FlightStatus is the flight data source's view of one flight
type FlightStatus struct {
	FlightNumber       string `json:"flight_number"`
	Status             string `json:"status"`
	Airline            string `json:"airline,omitempty"`
	DepartureAirport   string `json:"departure_airport,omitempty"`
	ArrivalAirport     string `json:"arrival_airport,omitempty"`
	ScheduledDeparture string `json:"scheduled_departure,omitempty"`
	ScheduledArrival   string `json:"scheduled_arrival,omitempty"`
	UpdatedAt          string `json:"updated_at,omitempty"`
}

// FlightClient queries the flight status API. Requests share one rate limiter.
type FlightClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

func NewFlightClient(baseURL string, rps float64, burst int) *FlightClient {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	return &FlightClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Status returns the decoded status together with the raw response body
func (c *FlightClient) Status(ctx context.Context, flightNumber string) (*FlightStatus, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := c.baseURL + "/api/flight/" + url.PathEscape(flightNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("flight api request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("reading flight api response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("flight api returned %d for %s", resp.StatusCode, flightNumber)
	}

	var status FlightStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, nil, fmt.Errorf("decoding flight status: %w", err)
	}
	return &status, body, nil
}
