package repositories

import "github.com/google/uuid"

// validIDs reports whether every id parses as a UUID. Id columns are UUID
// typed, so a malformed id matches no row.
func validIDs(ids ...string) bool {
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return false
		}
	}
	return true
}
