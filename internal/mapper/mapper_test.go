package mapper

import (
	"encoding/json"
	"testing"

	"github.com/projexhq/projex-sync/internal/errors"
	"github.com/projexhq/projex-sync/internal/models"
)

func TestProjectToRowRequiresIdentity(t *testing.T) {
	_, err := ProjectToRow(&models.Project{Name: "Tower A", StartDate: "2026-01-01", EndDate: "2026-06-01"}, "t1")
	if !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("missing id: err = %v, want INVALID_INPUT", err)
	}

	_, err = ProjectToRow(&models.Project{ID: "p1", StartDate: "2026-01-01", EndDate: "2026-06-01"}, "t1")
	if !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("missing name: err = %v, want INVALID_INPUT", err)
	}
}

func TestProjectRowRoundTrip(t *testing.T) {
	p := &models.Project{
		ID:        "p1",
		Name:      "Tower A",
		Location:  "Lisbon",
		StartDate: "2026-01-01",
		EndDate:   "2026-06-01",
		Budget:    125000.50,
	}

	row, err := ProjectToRow(p, "t1")
	if err != nil {
		t.Fatalf("ProjectToRow failed: %v", err)
	}
	if row["tenant_id"] != "t1" {
		t.Errorf("tenant_id = %v, want t1", row["tenant_id"])
	}
	if row["total_budget"] != 125000.50 {
		t.Errorf("total_budget = %v", row["total_budget"])
	}
	if row["status"] != "PLANNING" {
		t.Errorf("status default = %v, want PLANNING", row["status"])
	}

	back := ProjectFromRow(row)
	if back.ID != p.ID || back.Budget != p.Budget || back.Location != p.Location {
		t.Errorf("round trip mismatch: %+v", back)
	}
}

func TestTaskRowUsesCamelCaseCostColumns(t *testing.T) {
	task := &models.Task{
		ID:          "t1",
		ProjectID:   "p1",
		Name:        "Foundations",
		PlannedCost: 1000,
		ActualCost:  800,
	}

	row, err := TaskToRow(task, "tenant-1")
	if err != nil {
		t.Fatalf("TaskToRow failed: %v", err)
	}

	if _, ok := row["plannedCost"]; !ok {
		t.Error("row missing camelCase plannedCost column")
	}
	if _, ok := row["actualCost"]; !ok {
		t.Error("row missing camelCase actualCost column")
	}
	if _, ok := row["planned_cost"]; ok {
		t.Error("row has snake_case planned_cost, remote column is camelCase")
	}
}

func TestTaskListColumnsEncodeAsJSONText(t *testing.T) {
	task := &models.Task{
		ID:           "t1",
		ProjectID:    "p1",
		Name:         "Foundations",
		Dependencies: []string{"t0"},
		Allocations:  []models.Allocation{{ResourceID: "r1", Quantity: 2}},
	}

	row, err := TaskToRow(task, "tenant-1")
	if err != nil {
		t.Fatalf("TaskToRow failed: %v", err)
	}

	deps, ok := row["dependencies"].(string)
	if !ok {
		t.Fatalf("dependencies column is %T, want JSON string", row["dependencies"])
	}
	var decoded []string
	if err := json.Unmarshal([]byte(deps), &decoded); err != nil || len(decoded) != 1 || decoded[0] != "t0" {
		t.Errorf("dependencies column = %q", deps)
	}

	back := TaskFromRow(row)
	if len(back.Allocations) != 1 || back.Allocations[0].ResourceID != "r1" {
		t.Errorf("allocations round trip mismatch: %+v", back.Allocations)
	}
}

func TestTaskFromRowAcceptsDecodedLists(t *testing.T) {
	// Some readers hand back list columns already decoded.
	row := Row{
		"id":           "t1",
		"project_id":   "p1",
		"name":         "Foundations",
		"dependencies": []interface{}{"t0", "t2"},
	}

	task := TaskFromRow(row)
	if len(task.Dependencies) != 2 || task.Dependencies[1] != "t2" {
		t.Errorf("dependencies = %v", task.Dependencies)
	}
	if task.Allocations == nil {
		t.Error("absent allocations should decode to empty slice, not nil")
	}
}

func TestTenantRowIsCamelCaseAndUnscoped(t *testing.T) {
	tenant := &models.Tenant{ID: "t1", Name: "Acme Construction"}

	row, err := TenantToRow(tenant)
	if err != nil {
		t.Fatalf("TenantToRow failed: %v", err)
	}

	if _, ok := row["tenant_id"]; ok {
		t.Error("tenants table must not carry a tenant_id column")
	}
	for _, col := range []string{"logoUrl", "planId", "licenseEnd", "userLimit", "projectLimit", "laborLimit", "equipmentLimit", "roleLimit"} {
		if _, ok := row[col]; !ok {
			t.Errorf("row missing camelCase column %q", col)
		}
	}
	if row["planId"] != "BASIC" {
		t.Errorf("planId default = %v, want BASIC", row["planId"])
	}
	if row["userLimit"] != 10 {
		t.Errorf("userLimit default = %v, want 10", row["userLimit"])
	}
}

func TestRoleRowWritesBothHourColumns(t *testing.T) {
	role := &models.RoleDefinition{ID: "r1", Name: "Foreman", StdHours: 8}

	row, err := RoleToRow(role, "tenant-1")
	if err != nil {
		t.Fatalf("RoleToRow failed: %v", err)
	}

	if row["std_hours"] != 8.0 || row["stdHours"] != 8.0 {
		t.Errorf("both hour columns must be written: std_hours=%v stdHours=%v",
			row["std_hours"], row["stdHours"])
	}
	if row["tenantId"] != "tenant-1" {
		t.Errorf("roles tenant column = %v, want camelCase tenantId", row["tenantId"])
	}
}

func TestRoleFromRowFallsBackToCamelCase(t *testing.T) {
	role := RoleFromRow(Row{"id": "r1", "name": "Foreman", "stdHours": 7.5, "tenantId": "t1"})
	if role.StdHours != 7.5 {
		t.Errorf("StdHours = %v, want camelCase fallback 7.5", role.StdHours)
	}
	if role.TenantID != "t1" {
		t.Errorf("TenantID = %q", role.TenantID)
	}
}

func TestUserRowNeverCarriesPassword(t *testing.T) {
	u := &models.User{ID: "u1", Email: "a@b.c", Password: "secret"}

	row, err := UserToRow(u, "tenant-1")
	if err != nil {
		t.Fatalf("UserToRow failed: %v", err)
	}

	for col := range row {
		if col == "password" {
			t.Fatal("password must never reach the profile row")
		}
	}
	if _, ok := row["avatarUrl"]; !ok {
		t.Error("row missing camelCase avatarUrl column")
	}
	if _, ok := row["lastPasswordChange"]; !ok {
		t.Error("row missing camelCase lastPasswordChange column")
	}
}

func TestRowFromPayloadDispatchesPerTable(t *testing.T) {
	payload, _ := json.Marshal(&models.Task{ID: "t1", ProjectID: "p1", Name: "Foundations"})

	row, err := RowFromPayload(models.TableTasks, payload, "tenant-1")
	if err != nil {
		t.Fatalf("RowFromPayload failed: %v", err)
	}
	if row["id"] != "t1" || row["tenant_id"] != "tenant-1" {
		t.Errorf("row = %v", row)
	}

	if _, err := RowFromPayload(models.Table("bogus"), payload, "tenant-1"); !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("unknown table: err = %v, want INVALID_INPUT", err)
	}

	if _, err := RowFromPayload(models.TableTasks, []byte("{not json"), "tenant-1"); !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("malformed payload: err = %v, want INVALID_INPUT", err)
	}
}

func TestDailyLogRowRoundTrip(t *testing.T) {
	log := &models.DailyLog{
		ID:        "l1",
		ProjectID: "p1",
		Date:      "2026-02-03",
		UserID:    "u1",
		Progress:  []models.TaskProgress{{TaskID: "t1", Quantity: 5}},
		Blockers:  []models.Blocker{{Reason: "RAIN", HoursLost: 4}},
	}

	row, err := DailyLogToRow(log, "tenant-1")
	if err != nil {
		t.Fatalf("DailyLogToRow failed: %v", err)
	}

	back := DailyLogFromRow(row)
	if len(back.Progress) != 1 || back.Progress[0].Quantity != 5 {
		t.Errorf("progress round trip mismatch: %+v", back.Progress)
	}
	if len(back.Blockers) != 1 || back.Blockers[0].Reason != "RAIN" {
		t.Errorf("blockers round trip mismatch: %+v", back.Blockers)
	}
	if back.Photos == nil {
		t.Error("absent photos should decode to empty slice, not nil")
	}
}
