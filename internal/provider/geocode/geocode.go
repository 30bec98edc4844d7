// Package geocode adapts Google Geocoding API keys to the pool key contract.
package geocode

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"apipool-go/internal/apikey"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// OpGeocode is the operation name served by Client.Call.
const OpGeocode = "geocode"

const (
	DefaultBaseURL      = "https://maps.googleapis.com/maps/api/geocode/json"
	DefaultTimeout      = 10 * time.Second
	DefaultProbeAddress = "1600 Pennsylvania Ave NW, Washington, DC 20500"
	DefaultProbeExpect  = "1600 Pennsylvania Ave NW, Washington, DC 20500, USA"

	maxBodyBytes = 1 << 20
)

var (
	// ErrQuotaExceeded matches responses that report an exhausted key quota.
	ErrQuotaExceeded = errors.New("geocode quota exceeded")
	// ErrNoResults is returned when the address resolves to nothing.
	ErrNoResults = errors.New("geocode returned no results")
)

// StatusError is a non-OK status reported by the API.
type StatusError struct {
	HTTPStatus int
	Status     string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("geocode status %s (http %d): %s", e.Status, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("geocode status %s (http %d)", e.Status, e.HTTPStatus)
}

// Is reports quota statuses as ErrQuotaExceeded.
func (e *StatusError) Is(target error) bool {
	if target != ErrQuotaExceeded {
		return false
	}
	switch e.Status {
	case "OVER_QUERY_LIMIT", "OVER_DAILY_LIMIT":
		return true
	}
	return e.HTTPStatus == http.StatusTooManyRequests
}

// Config describes the endpoint and the liveness probe.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	ProbeAddress string
	// ProbeExpect must contain the formatted address returned for
	// ProbeAddress.
	ProbeExpect string
	// QPS caps requests sent with one key; 0 disables the limiter.
	QPS   float64
	Burst int
	// HTTPClient overrides the transport; tests point it at httptest.
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ProbeAddress == "" {
		c.ProbeAddress = DefaultProbeAddress
	}
	if c.ProbeExpect == "" {
		c.ProbeExpect = DefaultProbeExpect
	}
	if c.QPS > 0 && c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

func newHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

// Location is one geocoding result.
type Location struct {
	FormattedAddress string  `json:"formatted_address"`
	PlaceID          string  `json:"place_id,omitempty"`
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
}

// Key is a single Geocoding API key. It is pooled under KeyID(apiKey).
type Key struct {
	id     string
	apiKey string
	cfg    Config
}

var _ apikey.Key = (*Key)(nil)

// NewKey validates apiKey and fills config defaults.
func NewKey(apiKey string, cfg Config) (*Key, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("geocode: empty api key")
	}
	cfg = cfg.withDefaults()
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("geocode: base url: %w", err)
	}
	return &Key{id: KeyID(apiKey), apiKey: apiKey, cfg: cfg}, nil
}

// KeyID is the identifier an API key is pooled, logged and stored under.
// It is a digest prefix, so the secret itself stays inside Client requests.
func KeyID(apiKey string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(apiKey)))
	return "geo-" + hex.EncodeToString(sum[:6])
}

// Factory returns a constructor suitable for keysource.
func Factory(cfg Config) func(id string) (apikey.Key, error) {
	return func(id string) (apikey.Key, error) {
		return NewKey(id, cfg)
	}
}

func (k *Key) PrimaryKey() string { return k.id }

// Connect builds a client. No request is made.
func (k *Key) Connect(context.Context) (apikey.Client, error) {
	hc := k.cfg.HTTPClient
	if hc == nil {
		hc = newHTTPClient(k.cfg.Timeout)
	}
	client := &Client{apiKey: k.apiKey, baseURL: k.cfg.BaseURL, http: hc}
	if k.cfg.QPS > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(k.cfg.QPS), k.cfg.Burst)
	}
	return client, nil
}

// Usable geocodes the probe address and compares the formatted result.
func (k *Key) Usable(ctx context.Context, c apikey.Client) bool {
	client, ok := c.(*Client)
	if !ok {
		return false
	}
	loc, err := client.Geocode(ctx, k.cfg.ProbeAddress)
	if err != nil {
		log.WithError(err).WithField("key", k.id).Debug("geocode probe failed")
		return false
	}
	return loc.FormattedAddress != "" && strings.Contains(k.cfg.ProbeExpect, loc.FormattedAddress)
}

// Client calls the Geocoding API with one key.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// Call serves the geocode operation: args[0] is the address string.
func (c *Client) Call(ctx context.Context, op string, args ...any) (any, error) {
	if op != OpGeocode {
		return nil, fmt.Errorf("%w: %s", apikey.ErrUnknownOperation, op)
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("geocode: want 1 argument, got %d", len(args))
	}
	address, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("geocode: address must be a string, got %T", args[0])
	}
	return c.Geocode(ctx, address)
}

// Geocode resolves address to its first result.
func (c *Client) Geocode(ctx context.Context, address string) (Location, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Location{}, fmt.Errorf("geocode: rate limit: %w", err)
		}
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return Location{}, fmt.Errorf("geocode: base url: %w", err)
	}
	q := u.Query()
	q.Set("address", address)
	q.Set("key", c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Location{}, fmt.Errorf("geocode: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("geocode: request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Location{}, fmt.Errorf("geocode: read response: %w", err)
	}
	return parseResponse(resp.StatusCode, body)
}

func parseResponse(httpStatus int, body []byte) (Location, error) {
	status := gjson.GetBytes(body, "status").String()
	if httpStatus != http.StatusOK || (status != "OK" && status != "ZERO_RESULTS") {
		if status == "" {
			status = "UNKNOWN"
		}
		return Location{}, &StatusError{
			HTTPStatus: httpStatus,
			Status:     status,
			Message:    gjson.GetBytes(body, "error_message").String(),
		}
	}
	first := gjson.GetBytes(body, "results.0")
	if status == "ZERO_RESULTS" || !first.Exists() {
		return Location{}, ErrNoResults
	}
	return Location{
		FormattedAddress: first.Get("formatted_address").String(),
		PlaceID:          first.Get("place_id").String(),
		Lat:              first.Get("geometry.location.lat").Float(),
		Lng:              first.Get("geometry.location.lng").Float(),
	}, nil
}
