package uuid

import (
	google_uuid "github.com/google/uuid"
)

// MustUUID returns a new random UUID string. It is used
// for temporary file names and partition names in tests.
func MustUUID() string {
	return google_uuid.New().String()
}
