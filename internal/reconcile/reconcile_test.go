package reconcile

import (
	"testing"

	"github.com/projexhq/projex-sync/internal/models"
)

func TestIsTemporary(t *testing.T) {
	tests := []struct {
		name  string
		table models.Table
		id    string
		want  bool
	}{
		{"project placeholder", models.TableProjects, "p-123", true},
		{"task placeholder", models.TableTasks, "task-1700000000", true},
		{"resource r prefix", models.TableResources, "r-9", true},
		{"resource res prefix", models.TableResources, "res-9", true},
		{"daily log placeholder", models.TableDailyLogs, "log-20240101", true},
		{"user placeholder", models.TableUsers, "temp-abc", true},
		{"empty id", models.TableProjects, "", true},
		{"permanent uuid", models.TableProjects, "c7c9e2d0-9f43-4a7b-8a2e-0f5d2ab4c001", false},
		{"foreign prefix", models.TableProjects, "task-1", false},
		{"tenant ids are never temporary", models.TableTenants, "t-1", false},
		{"role ids are never temporary", models.TableRoles, "role-1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTemporary(tt.table, tt.id); got != tt.want {
				t.Errorf("IsTemporary(%s, %q) = %v, want %v", tt.table, tt.id, got, tt.want)
			}
		})
	}
}

func TestUUIDPrefixCollisionIsNotTemporary(t *testing.T) {
	// A real UUID can never be mistaken for a placeholder, even if a
	// placeholder prefix happens to match.
	id := NewID()
	for _, table := range models.Tables {
		if IsTemporary(table, id) {
			t.Errorf("minted UUID treated as temporary for table %s", table)
		}
	}
}

func TestNewIDIsValidV4(t *testing.T) {
	for i := 0; i < 50; i++ {
		id := NewID()
		if !IsPermanent(id) {
			t.Fatalf("NewID() = %q, not a valid UUID v4", id)
		}
	}
}

func TestResolvePromotesOnce(t *testing.T) {
	m := Map{}

	first := m.Resolve(models.TableTasks, "task-1700000000")
	if !IsPermanent(first) {
		t.Fatalf("Resolve returned non-permanent id %q", first)
	}
	if got := m["task-1700000000"]; got != first {
		t.Errorf("promotion not recorded: map has %q, want %q", got, first)
	}

	second := m.Resolve(models.TableTasks, "task-1700000000")
	if second != first {
		t.Errorf("second Resolve minted a new id: %q != %q", second, first)
	}
	if len(m) != 1 {
		t.Errorf("map has %d entries, want 1", len(m))
	}
}

func TestResolvePermanentPassThrough(t *testing.T) {
	m := Map{}
	id := NewID()

	if got := m.Resolve(models.TableProjects, id); got != id {
		t.Errorf("Resolve(%q) = %q, want pass-through", id, got)
	}
	if len(m) != 0 {
		t.Errorf("pass-through recorded a promotion: %v", m)
	}
}
