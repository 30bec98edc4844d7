package geocode

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"apipool-go/internal/apikey"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const whiteHouse = `{"status":"OK","results":[{"formatted_address":"1600 Pennsylvania Ave NW, Washington, DC 20500, USA","place_id":"ChIJGVtI4by3t4kRr51d_Qm_x58","geometry":{"location":{"lat":38.8976763,"lng":-77.0365298}}}]}`

type fakeAPI struct {
	srv   *httptest.Server
	calls atomic.Int32
}

// newFakeAPI answers with body per key; unknown keys get REQUEST_DENIED.
func newFakeAPI(t *testing.T, bodies map[string]string) *fakeAPI {
	t.Helper()
	f := &fakeAPI{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		key := r.URL.Query().Get("key")
		body, ok := bodies[key]
		if !ok {
			body = `{"status":"REQUEST_DENIED","error_message":"The provided API key is invalid."}`
		}
		if key == "throttled" {
			w.WriteHeader(http.StatusTooManyRequests)
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) config() Config {
	return Config{BaseURL: f.srv.URL, HTTPClient: f.srv.Client()}
}

func connect(t *testing.T, key *Key) *Client {
	t.Helper()
	c, err := key.Connect(context.Background())
	require.NoError(t, err)
	return c.(*Client)
}

func TestNewKeyValidation(t *testing.T) {
	_, err := NewKey("  ", Config{})
	require.Error(t, err)

	k, err := NewKey(" abc ", Config{})
	require.NoError(t, err)
	assert.Equal(t, KeyID("abc"), k.PrimaryKey())
	assert.Equal(t, DefaultBaseURL, k.cfg.BaseURL)
	assert.Equal(t, DefaultProbeAddress, k.cfg.ProbeAddress)
}

func TestGeocodeSuccess(t *testing.T) {
	api := newFakeAPI(t, map[string]string{"good": whiteHouse})
	k, err := NewKey("good", api.config())
	require.NoError(t, err)

	got, err := connect(t, k).Call(context.Background(), OpGeocode, DefaultProbeAddress)
	require.NoError(t, err)
	loc := got.(Location)
	assert.Equal(t, "1600 Pennsylvania Ave NW, Washington, DC 20500, USA", loc.FormattedAddress)
	assert.InDelta(t, 38.8976, loc.Lat, 0.001)
	assert.InDelta(t, -77.0365, loc.Lng, 0.001)
}

func TestGeocodeQuotaStatuses(t *testing.T) {
	api := newFakeAPI(t, map[string]string{
		"daily":     `{"status":"OVER_DAILY_LIMIT","error_message":"billing"}`,
		"qps":       `{"status":"OVER_QUERY_LIMIT"}`,
		"throttled": `{}`,
	})
	for _, key := range []string{"daily", "qps", "throttled"} {
		t.Run(key, func(t *testing.T) {
			k, err := NewKey(key, api.config())
			require.NoError(t, err)
			_, err = connect(t, k).Geocode(context.Background(), "x")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrQuotaExceeded))
			var se *StatusError
			require.ErrorAs(t, err, &se)
		})
	}
}

func TestGeocodeDeniedIsNotQuota(t *testing.T) {
	api := newFakeAPI(t, nil)
	k, err := NewKey("revoked", api.config())
	require.NoError(t, err)
	_, err = connect(t, k).Geocode(context.Background(), "x")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrQuotaExceeded))
	assert.Contains(t, err.Error(), "REQUEST_DENIED")
}

func TestGeocodeZeroResults(t *testing.T) {
	api := newFakeAPI(t, map[string]string{"good": `{"status":"ZERO_RESULTS","results":[]}`})
	k, err := NewKey("good", api.config())
	require.NoError(t, err)
	_, err = connect(t, k).Geocode(context.Background(), "nowhere")
	assert.ErrorIs(t, err, ErrNoResults)
}

func TestCallArguments(t *testing.T) {
	api := newFakeAPI(t, map[string]string{"good": whiteHouse})
	k, err := NewKey("good", api.config())
	require.NoError(t, err)
	c := connect(t, k)

	_, err = c.Call(context.Background(), "reverse", "x")
	assert.ErrorIs(t, err, apikey.ErrUnknownOperation)
	_, err = c.Call(context.Background(), OpGeocode)
	assert.Error(t, err)
	_, err = c.Call(context.Background(), OpGeocode, 42)
	assert.Error(t, err)
	assert.EqualValues(t, 0, api.calls.Load())
}

func TestUsable(t *testing.T) {
	api := newFakeAPI(t, map[string]string{
		"good":  whiteHouse,
		"wrong": `{"status":"OK","results":[{"formatted_address":"Somewhere else"}]}`,
		"quota": `{"status":"OVER_QUERY_LIMIT"}`,
	})
	cases := map[string]bool{"good": true, "wrong": false, "quota": false, "revoked": false}
	for key, want := range cases {
		k, err := NewKey(key, api.config())
		require.NoError(t, err)
		assert.Equal(t, want, k.Usable(context.Background(), connect(t, k)), key)
	}
}

func TestUsableRejectsForeignClient(t *testing.T) {
	k, err := NewKey("good", Config{})
	require.NoError(t, err)
	assert.False(t, k.Usable(context.Background(), apikey.Operations{}))
}

func TestFactory(t *testing.T) {
	key, err := Factory(Config{})("abc")
	require.NoError(t, err)
	assert.Equal(t, KeyID("abc"), key.PrimaryKey())
	_, err = Factory(Config{})("")
	assert.Error(t, err)
}

func TestKeyIDHidesSecret(t *testing.T) {
	const secret = "AIzaSyExampleSecretValue0123456789"
	id := KeyID(secret)
	assert.True(t, strings.HasPrefix(id, "geo-"))
	assert.Len(t, id, len("geo-")+12)
	assert.NotContains(t, id, secret[:8])
	assert.NotContains(t, id, secret[len(secret)-4:])
	assert.Equal(t, id, KeyID(" "+secret+" "))
	assert.NotEqual(t, id, KeyID(secret+"x"))

	k, err := NewKey(secret, Config{})
	require.NoError(t, err)
	assert.Equal(t, id, k.PrimaryKey())
}

func TestRateLimitedClient(t *testing.T) {
	api := newFakeAPI(t, map[string]string{"good": whiteHouse})
	cfg := api.config()
	cfg.QPS = 0.001
	k, err := NewKey("good", cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, k.cfg.Burst)
	c := connect(t, k)

	_, err = c.Geocode(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Geocode(ctx, "second")
	require.Error(t, err)
	assert.EqualValues(t, 1, api.calls.Load())
}
