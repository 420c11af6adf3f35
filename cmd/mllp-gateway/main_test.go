package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/mllp-gateway/internal/config"
	"github.com/ehr/mllp-gateway/internal/platform/auth"
	"github.com/ehr/mllp-gateway/internal/platform/hl7v2"
	"github.com/ehr/mllp-gateway/internal/platform/mllp"
	"github.com/ehr/mllp-gateway/internal/platform/registry"
	"github.com/ehr/mllp-gateway/internal/platform/telemetry"
)

const (
	testSecret = "test-secret-key-for-unit-tests-only"

	// Files on disk usually end segments with LF.
	testADT = "MSH|^~\\&|ADT1|GOOD HEALTH|GW|HOSP|20240115120000||ADT^A01|MSG00001|P|2.5\n" +
		"EVN|A01|20240115120000\n" +
		"PID|1||12345^^^MRN||Smith^John||19800101|M\n"
	testORM = "MSH|^~\\&|CPOE|HOSP|GW|HOSP|20240115||ORM^O01|ORD1|P|2.5\nORC|NW|123\n"
)

// =========== parse Tests ===========

func TestSummarize_ADT(t *testing.T) {
	s, err := summarize([]byte(testADT))
	if err != nil {
		t.Fatalf("summarize failed: %v", err)
	}
	if s.MessageType != "ADT^A01" || s.ControlID != "MSG00001" {
		t.Errorf("expected ADT^A01/MSG00001, got %s/%s", s.MessageType, s.ControlID)
	}
	if s.Timestamp != "2024-01-15T12:00:00Z" {
		t.Errorf("expected timestamp 2024-01-15T12:00:00Z, got %q", s.Timestamp)
	}
	if strings.Join(s.Segments, ",") != "MSH,EVN,PID" {
		t.Errorf("expected segments MSH,EVN,PID, got %v", s.Segments)
	}
	adt, ok := s.View.(*hl7v2.ADTMessage)
	if !ok {
		t.Fatalf("expected *hl7v2.ADTMessage view, got %T", s.View)
	}
	if adt.PatientID != "12345" {
		t.Errorf("expected patient 12345, got %q", adt.PatientID)
	}
}

func TestSummarize_OtherTypeHasNoView(t *testing.T) {
	s, err := summarize([]byte(testORM))
	if err != nil {
		t.Fatalf("summarize failed: %v", err)
	}
	if s.View != nil || s.ViewError != "" {
		t.Errorf("expected no view for ORM, got %v / %q", s.View, s.ViewError)
	}
}

func TestSummarize_IncompleteView(t *testing.T) {
	s, err := summarize([]byte("MSH|^~\\&|A|B|C|D|20240115||ADT^A01|M2|P|2.5\nEVN|A01\n"))
	if err != nil {
		t.Fatalf("summarize failed: %v", err)
	}
	if s.ViewError == "" {
		t.Error("expected a view error for an ADT without PID")
	}
}

func TestSummarize_NotHL7(t *testing.T) {
	if _, err := summarize([]byte("hello world")); err == nil {
		t.Error("expected a parse error")
	}
}

func TestParseCmd_Stdin(t *testing.T) {
	var out bytes.Buffer
	root := rootCmd()
	root.SetIn(strings.NewReader(testADT))
	root.SetOut(&out)
	root.SetArgs([]string{"parse"})

	if err := root.Execute(); err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("expected JSON output, got %s", out.String())
	}
	if got["message_type"] != "ADT^A01" {
		t.Errorf("expected message_type ADT^A01, got %v", got["message_type"])
	}
	view, _ := got["view"].(map[string]any)
	if view["patient_id"] != "12345" {
		t.Errorf("expected view.patient_id 12345, got %v", got["view"])
	}
}

func TestParseCmd_MissingFile(t *testing.T) {
	root := rootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"parse", "/nonexistent/message.hl7"})

	if err := root.Execute(); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

// =========== send Tests ===========

func startTestServer(t *testing.T, h mllp.Handler) string {
	t.Helper()
	s := mllp.NewServer(mllp.ServerConfig{Addr: "127.0.0.1:0"}, h)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s.Addr()
}

func TestSendCmd_SampleMessage(t *testing.T) {
	received := make(chan *hl7v2.Message, 1)
	addr := startTestServer(t, mllp.HandlerFunc(func(ctx context.Context, msg *hl7v2.Message) (*hl7v2.Message, error) {
		received <- msg
		return nil, nil
	}))

	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"send", "--addr", addr, "--timeout", "5s"})

	if err := root.Execute(); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !strings.Contains(out.String(), "MSA|AA|") {
		t.Errorf("expected MSA|AA in output, got %s", out.String())
	}

	select {
	case msg := <-received:
		if msg.MessageType() != "ADT^A01" {
			t.Errorf("expected ADT^A01, got %s", msg.MessageType())
		}
		if len(msg.GetSegments("NK1")) != 1 {
			t.Error("expected the sample message to carry NK1")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the message")
	}
}

func TestSendCmd_FromStdin(t *testing.T) {
	addr := startTestServer(t, mllp.HandlerFunc(func(ctx context.Context, msg *hl7v2.Message) (*hl7v2.Message, error) {
		return nil, nil
	}))

	var out bytes.Buffer
	root := rootCmd()
	root.SetIn(strings.NewReader(testADT))
	root.SetOut(&out)
	root.SetArgs([]string{"send", "--addr", addr, "--file", "-"})

	if err := root.Execute(); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !strings.Contains(out.String(), "MSA|AA|MSG00001") {
		t.Errorf("expected ACK for MSG00001, got %s", out.String())
	}
}

func TestSendCmd_NotAccepted(t *testing.T) {
	addr := startTestServer(t, mllp.HandlerFunc(func(ctx context.Context, msg *hl7v2.Message) (*hl7v2.Message, error) {
		return nil, errors.New("downstream unavailable")
	}))

	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"send", "--addr", addr})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "AE") {
		t.Fatalf("expected an AE error, got %v", err)
	}
	if !strings.Contains(out.String(), "MSA|AE|") {
		t.Errorf("expected the AE reply to be printed, got %s", out.String())
	}
}

func TestSampleADT(t *testing.T) {
	msg, err := sampleADT(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("sampleADT failed: %v", err)
	}
	adt, err := hl7v2.ADTFromMessage(msg)
	if err != nil {
		t.Fatalf("expected a valid ADT view, got %v", err)
	}
	if adt.PatientID != "12345" {
		t.Errorf("expected patient 12345, got %q", adt.PatientID)
	}
	if msg.ControlID() == "" {
		t.Error("expected a control ID")
	}
}

// =========== Admin API Tests ===========

type downRegistry struct {
	*registry.Memory
}

func (downRegistry) Ping(context.Context) error { return errors.New("redis: connection refused") }

func testAdmin(t *testing.T, reg registry.Registry) http.Handler {
	t.Helper()
	if reg == nil {
		reg = registry.NewMemory("mllp-01")
	}
	return newAdminServer(adminDeps{
		cfg:      &config.Config{MaxFrameSize: 1 << 20, AdminJWTSecret: testSecret},
		registry: reg,
		metrics:  telemetry.NewProvider(telemetry.Config{}),
		acks:     hl7v2.NewAckBuilder("", "", ""),
		logger:   zerolog.Nop(),
	})
}

func bearer(t *testing.T) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return "Bearer " + tok
}

func TestAdmin_Health(t *testing.T) {
	rec := httptest.NewRecorder()
	testAdmin(t, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("expected status ok, got %s", rec.Body.String())
	}
}

func TestAdmin_HealthDegraded(t *testing.T) {
	rec := httptest.NewRecorder()
	testAdmin(t, downRegistry{registry.NewMemory("gw")}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestAdmin_MetricsPublic(t *testing.T) {
	rec := httptest.NewRecorder()
	testAdmin(t, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mllp_connections_active") {
		t.Errorf("expected MLLP metrics, got %s", rec.Body.String())
	}
}

func TestAdmin_ConnectionsRequireToken(t *testing.T) {
	rec := httptest.NewRecorder()
	testAdmin(t, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/connections", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAdmin_Connections(t *testing.T) {
	reg := registry.NewMemory("mllp-01")
	reg.ConnOpened(mllp.ConnInfo{ID: "c1", RemoteAddr: "10.0.0.5:40000", OpenedAt: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/connections", nil)
	req.Header.Set("Authorization", bearer(t))
	rec := httptest.NewRecorder()
	testAdmin(t, reg).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Connections []registry.Conn `json:"connections"`
		Total       int             `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body.Total != 1 || body.Connections[0].ID != "c1" {
		t.Errorf("expected connection c1, got %+v", body)
	}
}

func TestAdmin_HL7v2Routes(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/hl7v2/parse", strings.NewReader(testADT))
	req.Header.Set("Authorization", bearer(t))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	testAdmin(t, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID on the response")
	}
}
