package postgres

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrations_DiscoversEmbeddedFiles(t *testing.T) {
	ms, err := Migrations()
	if err != nil {
		t.Fatalf("Migrations error: %v", err)
	}
	sorted := ms.Sorted()
	if len(sorted) != 1 {
		t.Fatalf("len(migrations) = %d, want 1", len(sorted))
	}
	if sorted[0].Name != "20260101000000" {
		t.Fatalf("migration name = %q", sorted[0].Name)
	}
	if sorted[0].Up == nil || sorted[0].Down == nil {
		t.Fatalf("expected both up and down migrations")
	}
}

func TestMigrations_DeclareLedgerConstraints(t *testing.T) {
	b, err := fs.ReadFile(migrationFiles, "migrations/20260101000000_scheduling.up.sql")
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	sql := string(b)
	for _, want := range []string{
		"CHECK (booked >= 0)",
		"UNIQUE (doctor_id, slot_date, start_minute, user_id)",
		"bookings_user_idx",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("migration missing %q", want)
		}
	}
}
