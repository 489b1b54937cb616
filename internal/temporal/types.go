package temporal

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// EntityType is a controlled vocabulary entry referenced by entities.
// Deleting a type that is still referenced fails with ErrTypeInUse.
type EntityType struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Entity is one version of a logical entity. The logical key is
// EntityUID; all versions of the same key share it. Validity is the
// half-open interval [ValidFrom, ValidTo); ValidTo == nil means the
// version is still open. Once a version is closed it never changes.
type Entity struct {
	EntityUID   uuid.UUID  `json:"entity_uid"`
	TypeCode    string     `json:"entity_type"`
	DisplayName string     `json:"display_name"`
	ValidFrom   time.Time  `json:"valid_from"`
	ValidTo     *time.Time `json:"valid_to,omitempty"`
	IsCurrent   bool       `json:"is_current"`
	Hashdiff    string     `json:"hashdiff"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// EntityDetail is one version of an independently versioned attribute
// of an entity (an email address, a phone number). The logical key is
// the pair (EntityUID, DetailCode).
type EntityDetail struct {
	EntityUID   uuid.UUID  `json:"entity_uid"`
	DetailCode  string     `json:"detail_code"`
	DetailValue string     `json:"detail_value"`
	ValidFrom   time.Time  `json:"valid_from"`
	ValidTo     *time.Time `json:"valid_to,omitempty"`
	IsCurrent   bool       `json:"is_current"`
	Hashdiff    string     `json:"hashdiff"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// AuditEntry records one accepted change. The trail is append-only:
// entries are never updated or deleted, and are not themselves
// versioned.
type AuditEntry struct {
	ID          string    `json:"id"`
	EntityUID   uuid.UUID `json:"entity_uid"`
	DetailCode  string    `json:"detail_code,omitempty"` // empty for entity-level changes
	BeforeValue *string   `json:"before_value,omitempty"`
	AfterValue  *string   `json:"after_value,omitempty"`
	Actor       string    `json:"actor,omitempty"` // empty for anonymous/system writes
	ChangedAt   time.Time `json:"changed_at"`
}

// UpsertEntityParams carries one candidate entity fact. A zero
// ChangeTS means "stamp with the store clock"; a non-zero ChangeTS
// must be strictly after the current version's ValidFrom.
type UpsertEntityParams struct {
	EntityUID   uuid.UUID
	TypeCode    string
	DisplayName string
	ChangeTS    time.Time
	Actor       string
}

// UpsertDetailParams carries one candidate detail fact.
type UpsertDetailParams struct {
	EntityUID   uuid.UUID
	DetailCode  string
	DetailValue string
	ChangeTS    time.Time
	Actor       string
}

var (
	ErrNotFound       = errors.New("temporal: not found")
	ErrUnknownType    = errors.New("temporal: unknown entity type")
	ErrTypeExists     = errors.New("temporal: entity type already exists")
	ErrTypeInUse      = errors.New("temporal: entity type still referenced")
	ErrStaleTimestamp = errors.New("temporal: change timestamp must be after current valid_from")
	ErrInvalidRange   = errors.New("temporal: invalid time range")
	ErrInvalidInput   = errors.New("temporal: invalid input")
	ErrConflict       = errors.New("temporal: concurrent version conflict")
)
