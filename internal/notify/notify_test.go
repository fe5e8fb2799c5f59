package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"distressguard/internal/model"
)

func sampleAlert() model.Alert {
	return model.Alert{
		ID:          "a-1",
		Cause:       model.CauseVoice,
		Keyword:     "help",
		Location:    &model.Coordinates{Lat: -1.2921, Lng: 36.8219},
		TriggeredAt: time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC),
		Recipients: []model.Contact{
			{ID: "c-1", Name: "Amina", Phone: "+254700000001", Relationship: "sister"},
		},
	}
}

func TestRenderVoiceAlert(t *testing.T) {
	msg := Render(sampleAlert())
	for _, want := range []string{
		"EMERGENCY ALERT",
		`Distress keyword "help" detected!`,
		"Time: Fri, 01 Mar 2024 08:30:00 UTC",
		"Location: https://maps.google.com/?q=-1.2921,36.8219",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestRenderManualWithoutLocation(t *testing.T) {
	a := sampleAlert()
	a.Cause = model.CauseManual
	a.Keyword = ""
	a.Location = nil
	msg := Render(a)
	if !strings.Contains(msg, "Panic button activated!") {
		t.Errorf("manual alert text missing:\n%s", msg)
	}
	if !strings.Contains(msg, "Location: unavailable") {
		t.Errorf("missing location should be stated:\n%s", msg)
	}
}

func TestRenderTestAlert(t *testing.T) {
	a := sampleAlert()
	a.Test = true
	msg := Render(a)
	if !strings.HasPrefix(msg, "TEST ALERT") || strings.Contains(msg, "EMERGENCY") {
		t.Errorf("unexpected test alert text:\n%s", msg)
	}
}

func TestWebhookSuccess(t *testing.T) {
	var gotAuth, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, "secret", nil)
	if err := w.Notify(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("authorization header: %q", gotAuth)
	}
	if gotContentType != "application/json; charset=utf-8" {
		t.Errorf("content type: %q", gotContentType)
	}

	var body struct {
		Alert      map[string]any   `json:"alert"`
		Message    string           `json:"message"`
		Recipients []map[string]any `json:"recipients"`
	}
	if err := json.Unmarshal(gotBody, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Alert["cause"] != "voice" || body.Alert["keyword"] != "help" {
		t.Errorf("alert fields: %v", body.Alert)
	}
	if body.Alert["triggeredAt"] != "2024-03-01T08:30:00Z" {
		t.Errorf("triggeredAt: %v", body.Alert["triggeredAt"])
	}
	if len(body.Recipients) != 1 || body.Recipients[0]["phone"] != "+254700000001" {
		t.Errorf("recipients: %v", body.Recipients)
	}
	if !strings.Contains(body.Message, "maps.google.com") {
		t.Errorf("message: %q", body.Message)
	}
}

func TestWebhookNoTokenOmitsAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("authorization header should be absent")
		}
	}))
	defer srv.Close()
	if err := NewWebhook(srv.URL, "", nil).Notify(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("notify: %v", err)
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewWebhook(srv.URL, "", nil).Notify(context.Background(), sampleAlert())
	if !errors.Is(err, ErrDispatchFailure) {
		t.Fatalf("expected ErrDispatchFailure, got %v", err)
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error should carry the status: %v", err)
	}
}

func TestMultiContinuesAfterFailure(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	m := Multi{
		Func(func(context.Context, model.Alert) error { calls = append(calls, "first"); return boom }),
		nil,
		Func(func(context.Context, model.Alert) error { calls = append(calls, "second"); return nil }),
	}
	err := m.Notify(context.Background(), sampleAlert())
	if !errors.Is(err, ErrDispatchFailure) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped failure, got %v", err)
	}
	if strings.Join(calls, ",") != "first,second" {
		t.Fatalf("every notifier should run, got %v", calls)
	}
	if err := (Multi{NewLog(nil)}).Notify(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("log notifier should not fail: %v", err)
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublishesAlert(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w, topic: "safety.alert"}
	if err := k.Notify(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "a-1" {
		t.Errorf("key: %s", msg.Key)
	}
	var decoded map[string]any
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["id"] != "a-1" || decoded["cause"] != "voice" {
		t.Errorf("payload: %v", decoded)
	}

	w.err = errors.New("broker down")
	if err := k.Notify(context.Background(), sampleAlert()); !errors.Is(err, ErrDispatchFailure) {
		t.Fatalf("expected ErrDispatchFailure, got %v", err)
	}
}

func TestNATSPublishesAlert(t *testing.T) {
	var gotSubject string
	var gotData []byte
	n := &NATS{subject: "safety.alert", publish: func(subject string, data []byte) error {
		gotSubject = subject
		gotData = data
		return nil
	}}
	if err := n.Notify(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if gotSubject != "safety.alert" {
		t.Errorf("subject: %s", gotSubject)
	}
	if !strings.Contains(string(gotData), `"location":{"lat":-1.2921,"lng":36.8219}`) {
		t.Errorf("payload: %s", gotData)
	}
	if err := n.Close(); err != nil {
		t.Errorf("close without connection: %v", err)
	}
}
