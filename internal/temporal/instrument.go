package temporal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"chronika.org/internal/audit"
	"chronika.org/internal/obs"
)

// Instrumented wraps a Service with Prometheus metrics and structured
// audit events. Reads pass through untouched; writes are counted,
// timed, and logged when a version actually opens or closes.
func Instrumented(next Service) Service {
	return &instrumented{next: next}
}

type instrumented struct {
	next Service
}

var _ Service = (*instrumented)(nil)

func upsertResult(changed bool, err error) string {
	switch {
	case err == nil && changed:
		return "created"
	case err == nil:
		return "unchanged"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

func deleteResult(err error) string {
	switch {
	case err == nil:
		return "deleted"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func (s *instrumented) UpsertEntity(ctx context.Context, p UpsertEntityParams) (Entity, bool, error) {
	start := time.Now()
	row, changed, err := s.next.UpsertEntity(ctx, p)
	obs.ObserveUpsert("entities", upsertResult(changed, err), time.Since(start).Seconds())
	if err == nil && changed {
		_ = audit.LogEvent(ctx, "temporal.entity.version_opened", map[string]any{
			"entity_uid": p.EntityUID.String(),
			"actor":      p.Actor,
			"hashdiff":   row.Hashdiff,
		})
	}
	return row, changed, err
}

func (s *instrumented) UpsertDetail(ctx context.Context, p UpsertDetailParams) (EntityDetail, bool, error) {
	start := time.Now()
	row, changed, err := s.next.UpsertDetail(ctx, p)
	obs.ObserveUpsert("entity_details", upsertResult(changed, err), time.Since(start).Seconds())
	if err == nil && changed {
		_ = audit.LogEvent(ctx, "temporal.detail.version_opened", map[string]any{
			"entity_uid":  p.EntityUID.String(),
			"detail_code": p.DetailCode,
			"actor":       p.Actor,
			"hashdiff":    row.Hashdiff,
		})
	}
	return row, changed, err
}

func (s *instrumented) DeleteEntity(ctx context.Context, uid uuid.UUID) error {
	err := s.next.DeleteEntity(ctx, uid)
	obs.ObserveDelete("entities", deleteResult(err))
	if err == nil {
		_ = audit.LogEvent(ctx, "temporal.entity.retired", map[string]any{
			"entity_uid": uid.String(),
		})
	}
	return err
}

func (s *instrumented) DeleteDetail(ctx context.Context, uid uuid.UUID, detailCode string) error {
	err := s.next.DeleteDetail(ctx, uid, detailCode)
	obs.ObserveDelete("entity_details", deleteResult(err))
	if err == nil {
		_ = audit.LogEvent(ctx, "temporal.detail.retired", map[string]any{
			"entity_uid":  uid.String(),
			"detail_code": detailCode,
		})
	}
	return err
}

func (s *instrumented) CreateType(ctx context.Context, code, name string) (EntityType, error) {
	return s.next.CreateType(ctx, code, name)
}

func (s *instrumented) ListTypes(ctx context.Context) ([]EntityType, error) {
	return s.next.ListTypes(ctx)
}

func (s *instrumented) DeleteType(ctx context.Context, code string) error {
	return s.next.DeleteType(ctx, code)
}

func (s *instrumented) CurrentEntity(ctx context.Context, uid uuid.UUID) (Entity, error) {
	return s.next.CurrentEntity(ctx, uid)
}

func (s *instrumented) CurrentEntities(ctx context.Context, query, typeCode string) ([]Entity, error) {
	return s.next.CurrentEntities(ctx, query, typeCode)
}

func (s *instrumented) CurrentDetails(ctx context.Context, uid uuid.UUID) ([]EntityDetail, error) {
	return s.next.CurrentDetails(ctx, uid)
}

func (s *instrumented) EntityAsOf(ctx context.Context, uid uuid.UUID, ts time.Time) (Entity, error) {
	return s.next.EntityAsOf(ctx, uid, ts)
}

func (s *instrumented) EntitiesAsOf(ctx context.Context, ts time.Time) ([]Entity, error) {
	return s.next.EntitiesAsOf(ctx, ts)
}

func (s *instrumented) EntityHistory(ctx context.Context, uid uuid.UUID) ([]Entity, error) {
	return s.next.EntityHistory(ctx, uid)
}

func (s *instrumented) DetailHistory(ctx context.Context, uid uuid.UUID, detailCode string) ([]EntityDetail, error) {
	return s.next.DetailHistory(ctx, uid, detailCode)
}

func (s *instrumented) ChangedBetween(ctx context.Context, from, to time.Time) ([]uuid.UUID, error) {
	return s.next.ChangedBetween(ctx, from, to)
}

func (s *instrumented) AuditTrail(ctx context.Context, uid uuid.UUID) ([]AuditEntry, error) {
	return s.next.AuditTrail(ctx, uid)
}
