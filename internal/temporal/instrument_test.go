package temporal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"chronika.org/internal/obs"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func auditEvents(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	var events []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line not JSON: %q", line)
		}
		if entry["type"] == "audit" {
			events = append(events, entry["event"].(string))
		}
	}
	return events
}

func TestInstrumentedEmitsAuditEvents(t *testing.T) {
	ctx := context.Background()
	buf := captureLog(t)
	svc := Instrumented(newTestStore(t))
	uid := uuid.New()

	if _, changed, err := svc.UpsertEntity(ctx, UpsertEntityParams{
		EntityUID: uid, TypeCode: "PERSON", DisplayName: "Dan", Actor: "ops",
	}); err != nil || !changed {
		t.Fatalf("upsert: changed=%v err=%v", changed, err)
	}
	// A no-op write is not an audit event.
	if _, changed, err := svc.UpsertEntity(ctx, UpsertEntityParams{
		EntityUID: uid, TypeCode: "PERSON", DisplayName: "Dan", Actor: "ops",
	}); err != nil || changed {
		t.Fatalf("no-op upsert: changed=%v err=%v", changed, err)
	}
	if _, _, err := svc.UpsertDetail(ctx, UpsertDetailParams{
		EntityUID: uid, DetailCode: "EMAIL", DetailValue: "dan@example.com",
	}); err != nil {
		t.Fatalf("detail upsert: %v", err)
	}
	if err := svc.DeleteDetail(ctx, uid, "EMAIL"); err != nil {
		t.Fatalf("detail delete: %v", err)
	}
	if err := svc.DeleteEntity(ctx, uid); err != nil {
		t.Fatalf("entity delete: %v", err)
	}

	want := []string{
		"temporal.entity.version_opened",
		"temporal.detail.version_opened",
		"temporal.detail.retired",
		"temporal.entity.retired",
	}
	got := auditEvents(t, buf)
	if len(got) != len(want) {
		t.Fatalf("events %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestInstrumentedFailedWriteIsSilent(t *testing.T) {
	ctx := context.Background()
	buf := captureLog(t)
	svc := Instrumented(newTestStore(t))

	if _, _, err := svc.UpsertEntity(ctx, UpsertEntityParams{
		EntityUID: uuid.New(), TypeCode: "ROBOT", DisplayName: "R2",
	}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if err := svc.DeleteEntity(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if events := auditEvents(t, buf); len(events) != 0 {
		t.Fatalf("failed writes emitted audit events: %v", events)
	}
}

func TestInstrumentedDelegatesReads(t *testing.T) {
	ctx := context.Background()
	mem := newTestStore(t)
	svc := Instrumented(mem)
	uid := uuid.New()

	if _, _, err := mem.UpsertEntity(ctx, UpsertEntityParams{
		EntityUID: uid, TypeCode: "PERSON", DisplayName: "Dan",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cur, err := svc.CurrentEntity(ctx, uid)
	if err != nil || cur.DisplayName != "Dan" {
		t.Fatalf("current via wrapper: %+v err=%v", cur, err)
	}
	history, err := svc.EntityHistory(ctx, uid)
	if err != nil || len(history) != 1 {
		t.Fatalf("history via wrapper: len=%d err=%v", len(history), err)
	}
	types, err := svc.ListTypes(ctx)
	if err != nil || len(types) != 1 {
		t.Fatalf("types via wrapper: %v err=%v", types, err)
	}
}
