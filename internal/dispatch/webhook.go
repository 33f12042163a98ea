package dispatch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tidemark-io/tidemark/internal/errors"
)

// webhookSender signs and delivers webhook payloads. Receivers verify the
// signature with the per-tenant secret:
//
//	v1=hex(hmac_sha256(secret, timestamp + "." + body))
type webhookSender struct {
	secretSalt string
	timeout    time.Duration
}

// tenantSecret derives the signing secret for a tenant from the
// deployment salt. Rotating the salt rotates every tenant's secret.
func (w *webhookSender) tenantSecret(tenantID string) []byte {
	sum := sha256.Sum256([]byte(w.secretSalt + "|" + tenantID))
	return []byte(hex.EncodeToString(sum[:]))
}

// keyID is the public identifier of a tenant's current secret, sent so
// receivers can select the right key during salt rotation.
func (w *webhookSender) keyID(tenantID string) string {
	sum := sha256.Sum256(w.tenantSecret(tenantID))
	return hex.EncodeToString(sum[:8])
}

func (w *webhookSender) sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// send delivers one signed webhook attempt. The returned signature is
// recorded on the attempt row for dispute resolution.
func (w *webhookSender) send(
	ctx context.Context,
	rawURL string,
	allowPrivate bool,
	tenantID string,
	idempotencyKey string,
	body []byte,
) (signature string, err error) {
	u, allowed, err := vetWebhookURL(rawURL, allowPrivate)
	if err != nil {
		return "", err
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	secret := w.tenantSecret(tenantID)
	signature = w.sign(secret, timestamp, body)

	client := resty.New().
		SetTransport(pinnedTransport(allowed)).
		SetTimeout(w.timeout).
		SetRedirectPolicy(resty.NoRedirectPolicy())

	resp, err := client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Timestamp", timestamp).
		SetHeader("X-Signature", signature).
		SetHeader("X-Key-Id", w.keyID(tenantID)).
		SetHeader("X-Idempotency-Key", idempotencyKey).
		SetBody(body).
		Post(u.String())
	if err != nil {
		return signature, errors.Wrap(errors.KindUpstreamTimeout, "webhook request failed", err)
	}
	return signature, classifyStatus(resp.StatusCode())
}

// classifyStatus maps an HTTP response onto the retry policy: success on
// 2xx, retryable on 408 and 5xx, permanent on every other 4xx.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout || code >= 500:
		return errors.Newf(errors.KindUpstreamTimeout, "webhook returned %d", code)
	default:
		return errors.Newf(errors.KindUpstreamPermanent, "webhook returned %d", code)
	}
}

// idempotencyKey identifies one delivery attempt, letting receivers drop
// a replay of that exact attempt.
func idempotencyKey(alertID string, stepIndex, attemptNo int) string {
	return fmt.Sprintf("%s:%d:%d", alertID, stepIndex, attemptNo)
}
