package temporal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
)

// hashdiff fingerprints a canonical mapping of content fields.
// encoding/json emits map keys in sorted order, so the result is
// independent of how the payload was assembled. Bookkeeping fields
// (validity, timestamps) are never part of the payload.
func hashdiff(payload map[string]string) string {
	blob, _ := json.Marshal(payload) // map[string]string cannot fail
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// EntityHashdiff fingerprints the content of an entity version. The
// logical key is part of the payload, so equal content under different
// keys still hashes differently.
func EntityHashdiff(uid uuid.UUID, typeCode, displayName string) string {
	return hashdiff(map[string]string{
		"entity_uid":   uid.String(),
		"entity_type":  typeCode,
		"display_name": displayName,
	})
}

// DetailHashdiff fingerprints the content of a detail version.
func DetailHashdiff(uid uuid.UUID, detailCode, detailValue string) string {
	return hashdiff(map[string]string{
		"entity_uid":   uid.String(),
		"detail_code":  detailCode,
		"detail_value": detailValue,
	})
}
