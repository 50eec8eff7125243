package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"oraclewatch/internal/evaluator"
)

const (
	latestPricePath = "/v2/updates/price/latest"
)

// ReferenceOptions parameterise the reference price fetcher.
type ReferenceOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Reference fetches signed current prices from the reference price
// service over HTTP.
type Reference struct {
	opts    ReferenceOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewReference constructs a reference price fetcher.
func NewReference(opts ReferenceOptions, logger zerolog.Logger) *Reference {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://hermes.pyth.network"
	}

	return &Reference{
		opts:    opts,
		logger:  logger.With().Str("component", "reference_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchReference retrieves the latest parsed price entry for feedID.
// A response without a parsed entry is an error; callers translate any
// failure here into the unavailable sentinel for that single feed.
func (r *Reference) FetchReference(ctx context.Context, feedID string) (evaluator.ReferenceObservation, json.RawMessage, error) {
	if strings.TrimSpace(feedID) == "" {
		return evaluator.ReferenceObservation{}, nil, errors.New("reference feed id required")
	}

	query := url.Values{}
	query.Add("ids[]", feedID)
	query.Set("parsed", "true")

	endpoint := r.baseURL + latestPricePath + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return evaluator.ReferenceObservation{}, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(r.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "oraclewatch/1.0")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return evaluator.ReferenceObservation{}, nil, err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return evaluator.ReferenceObservation{}, nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return evaluator.ReferenceObservation{}, nil, parseHTTPError(resp.StatusCode, payloadBytes)
	}

	var priceRes latestPriceResponse
	if err := json.Unmarshal(payloadBytes, &priceRes); err != nil {
		return evaluator.ReferenceObservation{}, nil, err
	}

	if len(priceRes.Parsed) == 0 {
		return evaluator.ReferenceObservation{}, nil, fmt.Errorf("no parsed price entry for feed %s", feedID)
	}

	entry := priceRes.Parsed[0]
	if strings.TrimSpace(entry.Price.Price) == "" {
		return evaluator.ReferenceObservation{}, nil, fmt.Errorf("empty significand for feed %s", feedID)
	}

	obs := evaluator.ReferenceObservation{
		Significand: entry.Price.Price,
		Exponent:    entry.Price.Expo,
	}

	return obs, json.RawMessage(payloadBytes), nil
}

type latestPriceResponse struct {
	Parsed []parsedPrice `json:"parsed"`
}

type parsedPrice struct {
	ID    string    `json:"id"`
	Price priceInfo `json:"price"`
}

type priceInfo struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("reference api error (%d): %s", status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("reference api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("reference api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("reference api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("reference api error (%d)", status)
}

var _ ReferenceReader = (*Reference)(nil)
