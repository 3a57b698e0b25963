// Package report sends energy-consumption report requests to the
// remote report/email service over HTTP.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tdm-edge/energyreport/internal/models"
)

var (
	// ErrRequestFailed covers any failed report request. Whether the
	// failure is worth retrying is carried by the wrapped sentinel.
	ErrRequestFailed = errors.New("report request failed")

	// ErrNonRetryable marks failures the service has rejected outright
	// (HTTP 4xx). They are still recorded FAILED and retried by the
	// scheduler; the classification is preserved for future policy.
	ErrNonRetryable = errors.New("non-retryable")

	// ErrRetryable marks transient failures (HTTP 5xx, timeouts,
	// transport errors).
	ErrRetryable = errors.New("retryable")
)

// Requester issues one report request per computed interval.
type Requester interface {
	Send(ctx context.Context, iv models.Interval, energyKWh float64) error
}

// requestBody is the JSON payload the report service expects.
type requestBody struct {
	RequestID     string  `json:"request_id"`
	IntervalStart string  `json:"interval_start"`
	IntervalEnd   string  `json:"interval_end"`
	EnergyKWh     float64 `json:"energy_kwh"`
	EmailAddress  string  `json:"email_address"`
	GPSLocation   string  `json:"gps_location"`
}

// HTTPRequester implements Requester against the report web service.
type HTTPRequester struct {
	url          string
	emailAddress string
	gpsLocation  string
	timeout      time.Duration
	client       *http.Client
}

func NewHTTPRequester(url, emailAddress, gpsLocation string, timeout time.Duration) *HTTPRequester {
	return &HTTPRequester{
		url:          url,
		emailAddress: emailAddress,
		gpsLocation:  gpsLocation,
		timeout:      timeout,
		client:       &http.Client{},
	}
}

func (r *HTTPRequester) Send(ctx context.Context, iv models.Interval, energyKWh float64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body, err := json.Marshal(requestBody{
		RequestID:     uuid.NewString(),
		IntervalStart: iv.Start.UTC().Format(time.RFC3339),
		IntervalEnd:   iv.End.UTC().Format(time.RFC3339),
		EnergyKWh:     energyKWh,
		EmailAddress:  r.emailAddress,
		GPSLocation:   r.gpsLocation,
	})
	if err != nil {
		return fmt.Errorf("%w: %w: encode payload: %v", ErrRequestFailed, ErrNonRetryable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w: build request: %v", ErrRequestFailed, ErrNonRetryable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		// Transport errors and timeouts are treated identically to a
		// connection failure.
		return fmt.Errorf("%w: %w: %v", ErrRequestFailed, ErrRetryable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: %w: got %d", ErrRequestFailed, ErrNonRetryable, resp.StatusCode)
	default:
		return fmt.Errorf("%w: %w: got %d", ErrRequestFailed, ErrRetryable, resp.StatusCode)
	}
}

// Compile-time interface implementation check
var _ Requester = (*HTTPRequester)(nil)
