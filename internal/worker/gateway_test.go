package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/carpentries/mailsched/internal/circuitbreaker"
)

const testSecret = "test-secret"

func testMessage() Message {
	return Message{
		TaskID:  "11111111-1111-1111-1111-111111111111",
		Subject: "Hello",
		Body:    "World",
		To:      []string{"ada@example.org"},
		From:    "team@example.org",
	}
}

func TestGatewaySendSuccess(t *testing.T) {
	var gotBody []byte
	var gotSignature, gotTaskID string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get("X-Mailsched-Signature")
		gotTaskID = r.Header.Get("X-Mailsched-Task-ID")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": "provider-42"})
	}))
	defer srv.Close()

	sender := NewGatewaySender(srv.URL, testSecret, time.Second)
	result := sender.Send(context.Background(), testMessage())

	if !result.IsSuccess() {
		t.Fatalf("result = %+v, want success", result)
	}
	if result.ProviderID != "provider-42" {
		t.Errorf("provider id = %q", result.ProviderID)
	}
	if gotTaskID != "11111111-1111-1111-1111-111111111111" {
		t.Errorf("task id header = %q", gotTaskID)
	}
	if !VerifySignature(testSecret, gotBody, gotSignature) {
		t.Error("signature does not verify against the request body")
	}

	var decoded gatewayMessage
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if decoded.Subject != "Hello" || decoded.From != "team@example.org" {
		t.Errorf("decoded message = %+v", decoded)
	}
}

func TestGatewaySendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sender := NewGatewaySender(srv.URL, testSecret, time.Second)
	result := sender.Send(context.Background(), testMessage())

	if result.IsSuccess() {
		t.Fatal("5xx must not be a success")
	}
	if result.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d", result.StatusCode)
	}
}

func TestGatewaySendTransportError(t *testing.T) {
	sender := NewGatewaySender("http://127.0.0.1:1", testSecret, 200*time.Millisecond)
	result := sender.Send(context.Background(), testMessage())

	if result.Error == nil {
		t.Fatal("expected transport error")
	}
	if result.IsSuccess() {
		t.Fatal("transport error must not be a success")
	}
}

func TestGatewayBreakerOpensOnServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(2, time.Minute)
	sender := NewGatewaySender(srv.URL, testSecret, time.Second).WithBreaker(breaker)

	msg := testMessage()
	sender.Send(context.Background(), msg)
	sender.Send(context.Background(), msg)

	result := sender.Send(context.Background(), msg)
	if !errors.Is(result.Error, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("error = %v, want ErrOpen after threshold failures", result.Error)
	}
}

func TestGatewayClientErrorDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(1, time.Minute)
	sender := NewGatewaySender(srv.URL, testSecret, time.Second).WithBreaker(breaker)

	msg := testMessage()
	sender.Send(context.Background(), msg)

	result := sender.Send(context.Background(), msg)
	if errors.Is(result.Error, circuitbreaker.ErrCircuitOpen) {
		t.Fatal("a 4xx is message-level trouble and must not open the breaker")
	}
	if result.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", result.StatusCode)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"subject":"x"}`)
	sig := computeSignature(testSecret, body)

	if !VerifySignature(testSecret, body, sig) {
		t.Error("valid signature rejected")
	}
	if VerifySignature(testSecret, []byte(`tampered`), sig) {
		t.Error("tampered body accepted")
	}
	if VerifySignature("wrong-secret", body, sig) {
		t.Error("wrong secret accepted")
	}
}
