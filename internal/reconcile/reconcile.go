// Package reconcile promotes client-minted temporary identifiers to
// permanent server-grade UUIDs before a write reaches the remote store.
//
// Entities created offline (or optimistically, before a round trip
// completes) carry a placeholder ID recognizable by a per-table prefix.
// Reconciliation replaces each with a fresh UUID v4 and records the
// old -> new pair; the caller applies that map to its own dependent
// references afterwards. The engine never walks the relationship graph.
package reconcile

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/projexhq/projex-sync/internal/models"
)

// tempPrefixes lists the placeholder ID prefixes per table. Tenants and
// roles always arrive with real identifiers, so they have none.
var tempPrefixes = map[models.Table][]string{
	models.TableProjects:  {"p-"},
	models.TableTasks:     {"task-"},
	models.TableResources: {"r-", "res-"},
	models.TableDailyLogs: {"log-"},
	models.TableUsers:     {"temp-"},
}

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// Map records promoted identifiers, old -> new.
type Map map[string]string

// IsTemporary reports whether id is a client-minted placeholder for table.
// An ID that already parses as a UUID v4 is never temporary, regardless of
// prefix collisions.
func IsTemporary(table models.Table, id string) bool {
	if id == "" {
		return true
	}
	if uuidV4Regex.MatchString(id) {
		return false
	}
	for _, prefix := range tempPrefixes[table] {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}

// NewID mints a permanent UUID v4 identifier.
func NewID() string {
	return uuid.New().String()
}

// IsPermanent reports whether id is a valid permanent UUID v4.
func IsPermanent(id string) bool {
	return uuidV4Regex.MatchString(id)
}

// Resolve returns the permanent identifier for id, minting one and
// recording the promotion in m when id is temporary. Already-permanent
// identifiers pass through untouched and leave m unchanged, so a second
// pass over the same entity yields an empty map.
func (m Map) Resolve(table models.Table, id string) string {
	if !IsTemporary(table, id) {
		return id
	}
	if replaced, ok := m[id]; ok {
		return replaced
	}
	newID := NewID()
	m[id] = newID
	return newID
}
