package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const SignatureHeader = "X-Wavecrew-Signature"

type Envelope struct {
	DeliveryID string          `json:"delivery_id"`
	Event      string          `json:"event"`
	Timestamp  int64           `json:"timestamp"`
	Data       json.RawMessage `json:"data"`
}

// Webhook posts events as JSON. With a secret, the body is signed with
// HMAC-SHA256 and the hex digest sent as "sha256=<digest>".
type Webhook struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhook(rawURL, secret string, timeout time.Duration) (*Webhook, error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, fmt.Errorf("invalid webhook url %q: %w", rawURL, err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{url: rawURL, secret: secret, client: &http.Client{Timeout: timeout}}, nil
}

func (w *Webhook) Name() string {
	return "webhook " + w.url
}

func (w *Webhook) Send(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{
		DeliveryID: uuid.NewString(),
		Event:      event,
		Timestamp:  time.Now().Unix(),
		Data:       data,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "wavecrew-notify/1.0")
	req.Header.Set("X-Wavecrew-Event", event)
	req.Header.Set("X-Wavecrew-Delivery-ID", env.DeliveryID)
	req.Header.Set("X-Wavecrew-Timestamp", strconv.FormatInt(env.Timestamp, 10))
	if w.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+sign(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// VerifySignature checks a "sha256=<hex>" header value against body.
func VerifySignature(body []byte, header, secret string) bool {
	expected := "sha256=" + sign(body, secret)
	return hmac.Equal([]byte(header), []byte(expected))
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
