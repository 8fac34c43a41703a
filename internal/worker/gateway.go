package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/carpentries/mailsched/internal/circuitbreaker"
)

// GatewaySender posts messages to an HTTP mail gateway. Requests carry an
// HMAC signature so the gateway can authenticate the engine.
type GatewaySender struct {
	url     string
	secret  string
	timeout time.Duration
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker // optional, nil = disabled
}

func NewGatewaySender(url, secret string, timeout time.Duration) *GatewaySender {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &GatewaySender{
		url:     url,
		secret:  secret,
		timeout: timeout,
		client:  &http.Client{},
	}
}

// WithBreaker fails sends fast while the gateway is in a failure streak.
func (s *GatewaySender) WithBreaker(cb *circuitbreaker.CircuitBreaker) *GatewaySender {
	s.breaker = cb
	return s
}

type gatewayMessage struct {
	TaskID  string   `json:"task_id"`
	From    string   `json:"from"`
	To      []string `json:"to"`
	CC      []string `json:"cc,omitempty"`
	BCC     []string `json:"bcc,omitempty"`
	ReplyTo string   `json:"reply_to,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

type gatewayResponse struct {
	ID string `json:"id"`
}

// Send posts the message with HMAC signature.
// Headers: X-Mailsched-Task-ID, X-Mailsched-Signature
func (s *GatewaySender) Send(ctx context.Context, msg Message) SendResult {
	start := time.Now()

	if s.breaker != nil {
		if err := s.breaker.Allow(s.url); err != nil {
			return SendResult{Error: err, Duration: time.Since(start)}
		}
	}

	body, err := json.Marshal(gatewayMessage{
		TaskID:  msg.TaskID,
		From:    msg.From,
		To:      msg.To,
		CC:      msg.CC,
		BCC:     msg.BCC,
		ReplyTo: msg.ReplyTo,
		Subject: msg.Subject,
		Body:    msg.Body,
	})
	if err != nil {
		return SendResult{Error: fmt.Errorf("marshal: %w", err), Duration: time.Since(start)}
	}

	signature := computeSignature(s.secret, body)

	ctxTimeout, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return SendResult{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Mailsched-Task-ID", msg.TaskID)
	httpReq.Header.Set("X-Mailsched-Signature", signature)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		s.recordOutcome(false)
		return SendResult{Error: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	result := SendResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}
	if result.IsSuccess() {
		var gr gatewayResponse
		// The provider id is informational; a malformed body is not a
		// delivery failure.
		if err := json.NewDecoder(resp.Body).Decode(&gr); err == nil {
			result.ProviderID = gr.ID
		}
	}

	// Only gateway-side trouble trips the breaker. A 4xx means this
	// message is bad, not the gateway.
	s.recordOutcome(resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests)
	return result
}

func (s *GatewaySender) recordOutcome(ok bool) {
	if s.breaker == nil {
		return
	}
	if ok {
		s.breaker.RecordSuccess(s.url)
	} else {
		s.breaker.RecordFailure(s.url)
	}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for gateways to verify incoming requests.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
