package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"chronika.org/internal/ids"
	"chronika.org/internal/temporal"
)

// Store implements temporal.Service on PostgreSQL. Every mutation runs
// as one serializable transaction that locks the current row for its
// logical key, so concurrent writers serialize per key. The partial
// unique index and the btree_gist exclusion constraints (see
// ops/migrations/sql) back the same invariants declaratively; a
// violation surfaces as temporal.ErrConflict.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ temporal.Service = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithClock overrides the store clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open connects to PostgreSQL with tuned pool defaults.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewWithDB(db, opts...), nil
}

// NewWithDB wraps an existing handle. Tests use it with sqlmock.
func NewWithDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const entityColumns = `entity_uid, entity_type, display_name, valid_from, valid_to, is_current, hashdiff, created_at, updated_at`

const detailColumns = `entity_uid, detail_code, detail_value, valid_from, valid_to, is_current, hashdiff, created_at, updated_at`

// mapErr translates driver errors onto the engine's sentinels so both
// Service implementations are indistinguishable to callers.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23P01", "40001": // unique, exclusion, serialization
			return temporal.ErrConflict
		case "23503":
			return temporal.ErrTypeInUse
		}
	}
	return err
}

// --- vocabulary ---

func (s *Store) CreateType(ctx context.Context, code, name string) (temporal.EntityType, error) {
	if code == "" || name == "" {
		return temporal.EntityType{}, temporal.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `insert into entity_types(code, name) values ($1, $2)`, code, name)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return temporal.EntityType{}, temporal.ErrTypeExists
		}
		return temporal.EntityType{}, err
	}
	return temporal.EntityType{Code: code, Name: name}, nil
}

func (s *Store) ListTypes(ctx context.Context) ([]temporal.EntityType, error) {
	rows, err := s.db.QueryContext(ctx, `select code, name from entity_types order by code asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []temporal.EntityType{}
	for rows.Next() {
		var et temporal.EntityType
		if err := rows.Scan(&et.Code, &et.Name); err != nil {
			return nil, err
		}
		out = append(out, et)
	}
	return out, rows.Err()
}

func (s *Store) DeleteType(ctx context.Context, code string) error {
	res, err := s.db.ExecContext(ctx, `delete from entity_types where code = $1`, code)
	if err != nil {
		return mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return temporal.ErrNotFound
	}
	return nil
}

// --- versioning engine ---

func (s *Store) UpsertEntity(ctx context.Context, p temporal.UpsertEntityParams) (temporal.Entity, bool, error) {
	if p.EntityUID == uuid.Nil || p.DisplayName == "" {
		return temporal.Entity{}, false, temporal.ErrInvalidInput
	}
	h := temporal.EntityHashdiff(p.EntityUID, p.TypeCode, p.DisplayName)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return temporal.Entity{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var typeName string
	err = tx.QueryRowContext(ctx, `select name from entity_types where code = $1`, p.TypeCode).Scan(&typeName)
	if errors.Is(err, sql.ErrNoRows) {
		return temporal.Entity{}, false, temporal.ErrUnknownType
	}
	if err != nil {
		return temporal.Entity{}, false, err
	}

	// Lock the current row for the key, if any. This serializes racing
	// writers on the same logical key for the rest of the transaction.
	var (
		curID   int64
		cur     temporal.Entity
		validTo sql.NullTime
	)
	hasCurrent := true
	err = tx.QueryRowContext(ctx, `
		select id, `+entityColumns+`
		from entities
		where entity_uid = $1 and is_current
		for update
	`, p.EntityUID).Scan(&curID, &cur.EntityUID, &cur.TypeCode, &cur.DisplayName,
		&cur.ValidFrom, &validTo, &cur.IsCurrent, &cur.Hashdiff, &cur.CreatedAt, &cur.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		hasCurrent = false
	} else if err != nil {
		return temporal.Entity{}, false, mapErr(err)
	}

	if hasCurrent && cur.Hashdiff == h {
		// Idempotent no-op: identical content never opens a version.
		if err := tx.Commit(); err != nil {
			return temporal.Entity{}, false, mapErr(err)
		}
		return cur, false, nil
	}

	moment, err := s.resolveMoment(ctx, tx, p.ChangeTS, hasCurrent, cur.ValidFrom,
		`select max(valid_to) from entities where entity_uid = $1`, p.EntityUID)
	if err != nil {
		return temporal.Entity{}, false, err
	}
	wall := s.now().UTC()

	var before sql.NullString
	if hasCurrent {
		before = sql.NullString{String: cur.DisplayName, Valid: true}
		if _, err := tx.ExecContext(ctx, `
			update entities set valid_to = $2, is_current = false, updated_at = $3
			where id = $1
		`, curID, moment, wall); err != nil {
			return temporal.Entity{}, false, mapErr(err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		insert into entities (entity_uid, entity_type, display_name, valid_from, is_current, hashdiff, created_at, updated_at)
		values ($1, $2, $3, $4, true, $5, $6, $6)
	`, p.EntityUID, p.TypeCode, p.DisplayName, moment, h, wall); err != nil {
		return temporal.Entity{}, false, mapErr(err)
	}

	if _, err := tx.ExecContext(ctx, `
		insert into audit_log (id, entity_uid, detail_code, before_value, after_value, actor, changed_at)
		values ($1, $2, null, $3, $4, nullif($5, ''), $6)
	`, ids.NewAt(wall), p.EntityUID, before, p.DisplayName, p.Actor, wall); err != nil {
		return temporal.Entity{}, false, mapErr(err)
	}

	if err := tx.Commit(); err != nil {
		return temporal.Entity{}, false, mapErr(err)
	}

	return temporal.Entity{
		EntityUID:   p.EntityUID,
		TypeCode:    p.TypeCode,
		DisplayName: p.DisplayName,
		ValidFrom:   moment,
		IsCurrent:   true,
		Hashdiff:    h,
		CreatedAt:   wall,
		UpdatedAt:   wall,
	}, true, nil
}

func (s *Store) UpsertDetail(ctx context.Context, p temporal.UpsertDetailParams) (temporal.EntityDetail, bool, error) {
	if p.EntityUID == uuid.Nil || p.DetailCode == "" {
		return temporal.EntityDetail{}, false, temporal.ErrInvalidInput
	}
	h := temporal.DetailHashdiff(p.EntityUID, p.DetailCode, p.DetailValue)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return temporal.EntityDetail{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		curID   int64
		cur     temporal.EntityDetail
		validTo sql.NullTime
	)
	hasCurrent := true
	err = tx.QueryRowContext(ctx, `
		select id, `+detailColumns+`
		from entity_details
		where entity_uid = $1 and detail_code = $2 and is_current
		for update
	`, p.EntityUID, p.DetailCode).Scan(&curID, &cur.EntityUID, &cur.DetailCode, &cur.DetailValue,
		&cur.ValidFrom, &validTo, &cur.IsCurrent, &cur.Hashdiff, &cur.CreatedAt, &cur.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		hasCurrent = false
	} else if err != nil {
		return temporal.EntityDetail{}, false, mapErr(err)
	}

	if hasCurrent && cur.Hashdiff == h {
		if err := tx.Commit(); err != nil {
			return temporal.EntityDetail{}, false, mapErr(err)
		}
		return cur, false, nil
	}

	moment, err := s.resolveMoment(ctx, tx, p.ChangeTS, hasCurrent, cur.ValidFrom,
		`select max(valid_to) from entity_details where entity_uid = $1 and detail_code = $2`, p.EntityUID, p.DetailCode)
	if err != nil {
		return temporal.EntityDetail{}, false, err
	}
	wall := s.now().UTC()

	var before sql.NullString
	if hasCurrent {
		before = sql.NullString{String: cur.DetailValue, Valid: true}
		if _, err := tx.ExecContext(ctx, `
			update entity_details set valid_to = $2, is_current = false, updated_at = $3
			where id = $1
		`, curID, moment, wall); err != nil {
			return temporal.EntityDetail{}, false, mapErr(err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		insert into entity_details (entity_uid, detail_code, detail_value, valid_from, is_current, hashdiff, created_at, updated_at)
		values ($1, $2, $3, $4, true, $5, $6, $6)
	`, p.EntityUID, p.DetailCode, p.DetailValue, moment, h, wall); err != nil {
		return temporal.EntityDetail{}, false, mapErr(err)
	}

	if _, err := tx.ExecContext(ctx, `
		insert into audit_log (id, entity_uid, detail_code, before_value, after_value, actor, changed_at)
		values ($1, $2, $3, $4, $5, nullif($6, ''), $7)
	`, ids.NewAt(wall), p.EntityUID, p.DetailCode, before, p.DetailValue, p.Actor, wall); err != nil {
		return temporal.EntityDetail{}, false, mapErr(err)
	}

	if err := tx.Commit(); err != nil {
		return temporal.EntityDetail{}, false, mapErr(err)
	}

	return temporal.EntityDetail{
		EntityUID:   p.EntityUID,
		DetailCode:  p.DetailCode,
		DetailValue: p.DetailValue,
		ValidFrom:   moment,
		IsCurrent:   true,
		Hashdiff:    h,
		CreatedAt:   wall,
		UpdatedAt:   wall,
	}, true, nil
}

// resolveMoment picks the validity stamp for a new version inside an
// open transaction. PostgreSQL keeps microsecond precision, so
// store-clock nudges move in whole microseconds.
func (s *Store) resolveMoment(ctx context.Context, tx *sql.Tx, override time.Time,
	hasCurrent bool, currentFrom time.Time, maxClosedSQL string, args ...any) (time.Time, error) {

	fromClock := override.IsZero()
	moment := override.UTC()
	if fromClock {
		moment = s.now().UTC()
	}

	if hasCurrent {
		if !moment.After(currentFrom) {
			if !fromClock {
				return time.Time{}, temporal.ErrStaleTimestamp
			}
			moment = currentFrom.Add(time.Microsecond)
		}
		return moment, nil
	}

	// Reopening after an explicit delete: the new interval must start
	// at or after the last closed one ends.
	var prevEnd sql.NullTime
	if err := tx.QueryRowContext(ctx, maxClosedSQL, args...).Scan(&prevEnd); err != nil {
		return time.Time{}, err
	}
	if prevEnd.Valid && moment.Before(prevEnd.Time) {
		if !fromClock {
			return time.Time{}, temporal.ErrStaleTimestamp
		}
		moment = prevEnd.Time
	}
	return moment, nil
}

func (s *Store) DeleteEntity(ctx context.Context, uid uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		curID       int64
		displayName string
		validFrom   time.Time
	)
	err = tx.QueryRowContext(ctx, `
		select id, display_name, valid_from from entities
		where entity_uid = $1 and is_current
		for update
	`, uid).Scan(&curID, &displayName, &validFrom)
	if errors.Is(err, sql.ErrNoRows) {
		return temporal.ErrNotFound
	}
	if err != nil {
		return mapErr(err)
	}

	wall := s.now().UTC()
	moment := wall
	if !moment.After(validFrom) {
		moment = validFrom.Add(time.Microsecond)
	}

	if _, err := tx.ExecContext(ctx, `
		update entities set valid_to = $2, is_current = false, updated_at = $3
		where id = $1
	`, curID, moment, wall); err != nil {
		return mapErr(err)
	}

	if _, err := tx.ExecContext(ctx, `
		insert into audit_log (id, entity_uid, detail_code, before_value, after_value, actor, changed_at)
		values ($1, $2, null, $3, null, null, $4)
	`, ids.NewAt(wall), uid, displayName, wall); err != nil {
		return mapErr(err)
	}

	return mapErr(tx.Commit())
}

func (s *Store) DeleteDetail(ctx context.Context, uid uuid.UUID, detailCode string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		curID       int64
		detailValue string
		validFrom   time.Time
	)
	err = tx.QueryRowContext(ctx, `
		select id, detail_value, valid_from from entity_details
		where entity_uid = $1 and detail_code = $2 and is_current
		for update
	`, uid, detailCode).Scan(&curID, &detailValue, &validFrom)
	if errors.Is(err, sql.ErrNoRows) {
		return temporal.ErrNotFound
	}
	if err != nil {
		return mapErr(err)
	}

	wall := s.now().UTC()
	moment := wall
	if !moment.After(validFrom) {
		moment = validFrom.Add(time.Microsecond)
	}

	if _, err := tx.ExecContext(ctx, `
		update entity_details set valid_to = $2, is_current = false, updated_at = $3
		where id = $1
	`, curID, moment, wall); err != nil {
		return mapErr(err)
	}

	if _, err := tx.ExecContext(ctx, `
		insert into audit_log (id, entity_uid, detail_code, before_value, after_value, actor, changed_at)
		values ($1, $2, $3, $4, null, null, $5)
	`, ids.NewAt(wall), uid, detailCode, detailValue, wall); err != nil {
		return mapErr(err)
	}

	return mapErr(tx.Commit())
}

// --- temporal queries ---

func (s *Store) CurrentEntity(ctx context.Context, uid uuid.UUID) (temporal.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+entityColumns+` from entities
		where entity_uid = $1 and is_current
	`, uid)
	return scanEntity(row)
}

func (s *Store) CurrentEntities(ctx context.Context, query, typeCode string) ([]temporal.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+entityColumns+` from entities
		where is_current
		  and ($1 = '' or display_name ilike '%' || $1 || '%')
		  and ($2 = '' or entity_type = $2)
		order by display_name asc, entity_uid asc
	`, query, typeCode)
	if err != nil {
		return nil, err
	}
	return collectEntities(rows)
}

func (s *Store) CurrentDetails(ctx context.Context, uid uuid.UUID) ([]temporal.EntityDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+detailColumns+` from entity_details
		where entity_uid = $1 and is_current
		order by detail_code asc
	`, uid)
	if err != nil {
		return nil, err
	}
	return collectDetails(rows)
}

func (s *Store) EntityAsOf(ctx context.Context, uid uuid.UUID, ts time.Time) (temporal.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+entityColumns+` from entities
		where entity_uid = $1 and valid_from <= $2 and (valid_to is null or valid_to > $2)
	`, uid, ts.UTC())
	return scanEntity(row)
}

func (s *Store) EntitiesAsOf(ctx context.Context, ts time.Time) ([]temporal.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+entityColumns+` from entities
		where valid_from <= $1 and (valid_to is null or valid_to > $1)
		order by entity_uid asc
	`, ts.UTC())
	if err != nil {
		return nil, err
	}
	return collectEntities(rows)
}

func (s *Store) EntityHistory(ctx context.Context, uid uuid.UUID) ([]temporal.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+entityColumns+` from entities
		where entity_uid = $1
		order by valid_from asc
	`, uid)
	if err != nil {
		return nil, err
	}
	out, err := collectEntities(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, temporal.ErrNotFound
	}
	return out, nil
}

func (s *Store) DetailHistory(ctx context.Context, uid uuid.UUID, detailCode string) ([]temporal.EntityDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+detailColumns+` from entity_details
		where entity_uid = $1 and detail_code = $2
		order by valid_from asc
	`, uid, detailCode)
	if err != nil {
		return nil, err
	}
	out, err := collectDetails(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, temporal.ErrNotFound
	}
	return out, nil
}

func (s *Store) ChangedBetween(ctx context.Context, from, to time.Time) ([]uuid.UUID, error) {
	if !from.Before(to) {
		return nil, temporal.ErrInvalidRange
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct entity_uid from (
			select entity_uid, updated_at from entities
			union all
			select entity_uid, updated_at from entity_details
		) changes
		where updated_at >= $1 and updated_at < $2
		order by entity_uid asc
	`, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []uuid.UUID{}
	for rows.Next() {
		var uid uuid.UUID
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

func (s *Store) AuditTrail(ctx context.Context, uid uuid.UUID) ([]temporal.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, entity_uid, coalesce(detail_code, ''), before_value, after_value, coalesce(actor, ''), changed_at
		from audit_log
		where entity_uid = $1
		order by id asc
	`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []temporal.AuditEntry{}
	for rows.Next() {
		var (
			e      temporal.AuditEntry
			before sql.NullString
			after  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EntityUID, &e.DetailCode, &before, &after, &e.Actor, &e.ChangedAt); err != nil {
			return nil, err
		}
		if before.Valid {
			v := before.String
			e.BeforeValue = &v
		}
		if after.Valid {
			v := after.String
			e.AfterValue = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntityFrom(sc rowScanner) (temporal.Entity, error) {
	var (
		e       temporal.Entity
		validTo sql.NullTime
	)
	err := sc.Scan(&e.EntityUID, &e.TypeCode, &e.DisplayName, &e.ValidFrom, &validTo,
		&e.IsCurrent, &e.Hashdiff, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return temporal.Entity{}, temporal.ErrNotFound
	}
	if err != nil {
		return temporal.Entity{}, err
	}
	if validTo.Valid {
		t := validTo.Time
		e.ValidTo = &t
	}
	return e, nil
}

func scanEntity(row *sql.Row) (temporal.Entity, error) {
	return scanEntityFrom(row)
}

func collectEntities(rows *sql.Rows) ([]temporal.Entity, error) {
	defer rows.Close()
	out := []temporal.Entity{}
	for rows.Next() {
		e, err := scanEntityFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanDetailFrom(sc rowScanner) (temporal.EntityDetail, error) {
	var (
		d       temporal.EntityDetail
		validTo sql.NullTime
	)
	err := sc.Scan(&d.EntityUID, &d.DetailCode, &d.DetailValue, &d.ValidFrom, &validTo,
		&d.IsCurrent, &d.Hashdiff, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return temporal.EntityDetail{}, temporal.ErrNotFound
	}
	if err != nil {
		return temporal.EntityDetail{}, err
	}
	if validTo.Valid {
		t := validTo.Time
		d.ValidTo = &t
	}
	return d, nil
}

func collectDetails(rows *sql.Rows) ([]temporal.EntityDetail, error) {
	defer rows.Close()
	out := []temporal.EntityDetail{}
	for rows.Next() {
		d, err := scanDetailFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
