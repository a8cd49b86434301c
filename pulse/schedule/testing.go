package schedule

import (
	"database/sql"
	"testing"

	pptest "github.com/teranos/postpulse/internal/testing"
)

// createTestDB creates an in-memory test database.
func createTestDB(t *testing.T) *sql.DB {
	return pptest.CreateTestDB(t)
}
