package venue

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Rest provides access to the venue's authenticated query API.
type Rest struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	logger     *slog.Logger
}

// RestOption configures a Rest client.
type RestOption func(*Rest)

// NewRest creates a query client for the given endpoint and credentials.
func NewRest(baseURL, apiKey, apiSecret string, opts ...RestOption) *Rest {
	r := &Rest{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// WithRestTimeout sets the HTTP client timeout.
func WithRestTimeout(d time.Duration) RestOption {
	return func(r *Rest) {
		r.httpClient.Timeout = d
	}
}

// WithRestLogger sets the logger.
func WithRestLogger(logger *slog.Logger) RestOption {
	return func(r *Rest) {
		r.logger = logger
	}
}

// WithRestHTTPClient sets a custom HTTP client.
func WithRestHTTPClient(hc *http.Client) RestOption {
	return func(r *Rest) {
		r.httpClient = hc
	}
}

// APIError represents an error response from the venue's query API.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue api error %d: %s", e.StatusCode, e.Message)
}

// Positions queries the account's open positions. Malformed records are
// skipped; callers normalize an empty result to a zero snapshot.
func (r *Rest) Positions(ctx context.Context) ([]Position, error) {
	body, err := r.postSigned(ctx, "/v2/auth/r/positions", []byte("{}"))
	if err != nil {
		return nil, err
	}

	var raw [][]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal positions: %w", err)
	}

	positions := make([]Position, 0, len(raw))
	for i, rec := range raw {
		p, err := ParsePosition(rec)
		if err != nil {
			r.logger.Warn("skipping malformed position record", "index", i, "error", err)
			continue
		}
		positions = append(positions, p)
	}

	return positions, nil
}

// postSigned performs an authenticated POST. The signature covers the API
// path, a strictly increasing nonce and the request body.
func (r *Rest) postSigned(ctx context.Context, path string, body []byte) ([]byte, error) {
	nonce := strconv.FormatInt(time.Now().UnixMicro(), 10)

	mac := hmac.New(sha512.New384, []byte(r.apiSecret))
	mac.Write([]byte("/api" + path + nonce))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("bfx-nonce", nonce)
	req.Header.Set("bfx-apikey", r.apiKey)
	req.Header.Set("bfx-signature", sig)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       respBody,
		}
	}

	return respBody, nil
}
