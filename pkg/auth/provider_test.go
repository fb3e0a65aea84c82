package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

type tokenServer struct {
	*httptest.Server
	grants atomic.Int32

	mu     sync.Mutex
	claims map[string]any
}

func newTokenServer(t *testing.T, handler func(w http.ResponseWriter, n int32)) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != TokenPath {
			http.NotFound(w, r)
			return
		}
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.PostForm.Get("grant_type"))

		parts := strings.Split(r.PostForm.Get("assertion"), ".")
		require.Len(t, parts, 3)
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		require.NoError(t, err)

		claims := map[string]any{}
		require.NoError(t, json.Unmarshal(payload, &claims))
		ts.mu.Lock()
		ts.claims = claims
		ts.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		handler(w, ts.grants.Add(1))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func grantOK(w http.ResponseWriter, n int32) {
	json.NewEncoder(w).Encode(map[string]any{
		"access_token": "00Dxx!token-" + string(rune('0'+n)),
		"token_type":   "Bearer",
		"instance_url": "https://acme.my.salesforce.com/",
	})
}

func testSettings(t *testing.T, audience string) Settings {
	return Settings{
		PrivateKey:  testKey(t),
		ConsumerKey: "3MVG9-consumer",
		Audience:    audience,
		Username:    "integration@acme.com",
		APIVersion:  "v52.0",
	}
}

func TestSettings_Validate(t *testing.T) {
	err := Settings{ConsumerKey: "key", APIVersion: "v52.0"}.Validate()
	require.Error(t, err)
	assert.Equal(t, "missing auth settings: private_key, audience, username", err.Error())

	assert.NoError(t, testSettings(t, "https://login.salesforce.com").Validate())
}

func TestSettings_TokenURL(t *testing.T) {
	s := Settings{Audience: "https://test.salesforce.com/"}
	assert.Equal(t, "https://test.salesforce.com/services/oauth2/token", s.TokenURL())
}

func TestNewProvider_Grant(t *testing.T) {
	ts := newTokenServer(t, grantOK)
	settings := testSettings(t, ts.URL)

	p, err := NewProvider(context.Background(), settings, WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	assert.Equal(t, "https://acme.my.salesforce.com", p.BaseURL())
	assert.Equal(t, "v52.0", p.APIVersion())

	h := p.Headers()
	assert.Equal(t, "Bearer 00Dxx!token-1", h.Get("Authorization"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))

	ts.mu.Lock()
	defer ts.mu.Unlock()
	assert.Equal(t, "3MVG9-consumer", ts.claims["iss"])
	assert.Equal(t, "integration@acme.com", ts.claims["sub"])
	assert.Equal(t, ts.URL, ts.claims["aud"])
	exp, ok := ts.claims["exp"].(float64)
	require.True(t, ok)
	_, ok = ts.claims["iat"].(float64)
	require.True(t, ok)
	// iat is backdated by the signer, so exp is checked against the wall clock.
	assert.InDelta(t, float64(time.Now().Add(AssertionLifetime).Unix()), exp, 5)
}

func TestProvider_Refresh(t *testing.T) {
	ts := newTokenServer(t, grantOK)

	p, err := NewProvider(context.Background(), testSettings(t, ts.URL), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	require.NoError(t, p.Refresh(context.Background()))

	assert.Equal(t, int32(2), ts.grants.Load())
	assert.Equal(t, "Bearer 00Dxx!token-2", p.Headers().Get("Authorization"))
}

func TestProvider_HeadersNotShared(t *testing.T) {
	ts := newTokenServer(t, grantOK)
	p, err := NewProvider(context.Background(), testSettings(t, ts.URL), WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	h := p.Headers()
	h.Set("Authorization", "tampered")
	assert.Equal(t, "Bearer 00Dxx!token-1", p.Headers().Get("Authorization"))
}

func TestNewProvider_GrantRejected(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, _ int32) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"user hasn't approved this consumer"}`))
	})

	_, err := NewProvider(context.Background(), testSettings(t, ts.URL), WithLogger(zerolog.Nop()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt bearer grant")
}

func TestNewProvider_NoInstanceURL(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, _ int32) {
		w.Write([]byte(`{"access_token":"tok","token_type":"Bearer"}`))
	})

	_, err := NewProvider(context.Background(), testSettings(t, ts.URL), WithLogger(zerolog.Nop()))
	assert.ErrorIs(t, err, ErrNoInstanceURL)
}

func TestNewProvider_InvalidSettings(t *testing.T) {
	_, err := NewProvider(context.Background(), Settings{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing auth settings")
}

func TestProvider_ConcurrentReads(t *testing.T) {
	ts := newTokenServer(t, grantOK)
	p, err := NewProvider(context.Background(), testSettings(t, ts.URL), WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = p.Headers()
				_ = p.BaseURL()
			}
		}()
	}
	require.NoError(t, p.Refresh(context.Background()))
	wg.Wait()
}

func TestStatic(t *testing.T) {
	s := Static{AccessToken: "sid", InstanceURL: "https://acme.my.salesforce.com", Version: "v52.0"}
	assert.Equal(t, "Bearer sid", s.Headers().Get("Authorization"))
	assert.Equal(t, "https://acme.my.salesforce.com", s.BaseURL())
	assert.Equal(t, "v52.0", s.APIVersion())
}

func TestDataURL(t *testing.T) {
	s := Static{InstanceURL: "https://acme.my.salesforce.com", Version: "v52.0"}
	assert.Equal(t, "https://acme.my.salesforce.com/services/data/v52.0/jobs/query/750xx/results", DataURL(s, "jobs", "query", "750xx", "results"))
	assert.Equal(t, "https://acme.my.salesforce.com/services/data/v52.0/sobjects", DataURL(s, "sobjects"))
}
