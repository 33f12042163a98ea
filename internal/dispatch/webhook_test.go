package dispatch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/internal/errors"
)

func TestClassifyStatus(t *testing.T) {
	assert.NoError(t, classifyStatus(200))
	assert.NoError(t, classifyStatus(204))

	assert.True(t, errors.IsKind(classifyStatus(500), errors.KindUpstreamTimeout))
	assert.True(t, errors.IsKind(classifyStatus(503), errors.KindUpstreamTimeout))
	assert.True(t, errors.IsKind(classifyStatus(408), errors.KindUpstreamTimeout))

	assert.True(t, errors.IsKind(classifyStatus(400), errors.KindUpstreamPermanent))
	assert.True(t, errors.IsKind(classifyStatus(404), errors.KindUpstreamPermanent))
	assert.True(t, errors.IsKind(classifyStatus(422), errors.KindUpstreamPermanent))
}

func TestTenantSecret_DerivationIsStable(t *testing.T) {
	w := &webhookSender{secretSalt: "salt"}
	assert.Equal(t, w.tenantSecret("t1"), w.tenantSecret("t1"))
	assert.NotEqual(t, w.tenantSecret("t1"), w.tenantSecret("t2"))

	other := &webhookSender{secretSalt: "rotated"}
	assert.NotEqual(t, w.tenantSecret("t1"), other.tenantSecret("t1"),
		"rotating the salt rotates every tenant secret")
	assert.Len(t, w.keyID("t1"), 16)
}

func TestSign_Format(t *testing.T) {
	w := &webhookSender{secretSalt: "salt"}
	secret := w.tenantSecret("t1")
	sig := w.sign(secret, "1700000000", []byte(`{"x":1}`))
	assert.True(t, strings.HasPrefix(sig, "v1="))
	assert.Len(t, sig, 3+64)
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "a1:2:3", idempotencyKey("a1", 2, 3))
	assert.NotEqual(t, idempotencyKey("a1", 2, 3), idempotencyKey("a1", 2, 4),
		"each retry is a distinct delivery attempt")
}

func TestWebhookSend_SignedAndVerifiable(t *testing.T) {
	w := &webhookSender{secretSalt: "salt", timeout: 5 * time.Second}
	body := []byte(`{"alert":"a1"}`)

	var got *http.Request
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		rw.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	// The test server lives on loopback, so delivery needs the tenant's
	// private-hooks flag, same as a customer-hosted internal receiver.
	sig, err := w.send(context.Background(), srv.URL+"/hook", true, "t1", "a1:0:1", body)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, body, gotBody)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "a1:0:1", got.Header.Get("X-Idempotency-Key"))
	assert.Equal(t, w.keyID("t1"), got.Header.Get("X-Key-Id"))
	assert.Equal(t, sig, got.Header.Get("X-Signature"))

	// A receiver recomputes the signature from the shared secret.
	ts := got.Header.Get("X-Timestamp")
	require.NotEmpty(t, ts)
	mac := hmac.New(sha256.New, w.tenantSecret("t1"))
	mac.Write([]byte(ts + "."))
	mac.Write(gotBody)
	assert.Equal(t, "v1="+hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestWebhookSend_StatusClassification(t *testing.T) {
	w := &webhookSender{secretSalt: "salt", timeout: 5 * time.Second}

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	_, err := w.send(context.Background(), srv.URL, true, "t1", "k", []byte(`{}`))
	assert.True(t, errors.IsKind(err, errors.KindUpstreamTimeout), "5xx retries")

	srv2 := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusForbidden)
	}))
	defer srv2.Close()
	_, err = w.send(context.Background(), srv2.URL, true, "t1", "k", []byte(`{}`))
	assert.True(t, errors.IsKind(err, errors.KindUpstreamPermanent), "other 4xx never retries")
}

func TestWebhookSend_RefusesRedirects(t *testing.T) {
	w := &webhookSender{secretSalt: "salt", timeout: 5 * time.Second}

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		http.Redirect(rw, r, "http://192.0.2.1/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	_, err := w.send(context.Background(), srv.URL, true, "t1", "k", []byte(`{}`))
	assert.Error(t, err, "a redirecting receiver cannot steer the delivery")
}
