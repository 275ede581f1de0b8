// Package mapper translates between in-memory entities and remote row
// shapes. The remote schema predates the engine and mixes naming
// conventions: most tables are snake_case, but the tasks table carries
// camelCase cost columns, the tenants table is camelCase for its plan and
// limit columns, and the roles table duplicates its rate column under both
// spellings. Each mapping below documents its own anomalies; do not change
// remote columns without updating these functions.
package mapper

import (
	"encoding/json"
	"fmt"

	"github.com/projexhq/projex-sync/internal/errors"
	"github.com/projexhq/projex-sync/internal/models"
)

// Row is the remote store's row shape, keyed by column name.
type Row map[string]interface{}

// requiredErr reports a missing required identifying field. Mapping must
// fail loudly here rather than persist a corrupt row.
func requiredErr(table models.Table, field string) error {
	return errors.New(errors.ErrInvalid,
		fmt.Sprintf("%s: missing required field %q", table, field))
}

// ProjectToRow maps a project to its remote row.
func ProjectToRow(p *models.Project, tenantID string) (Row, error) {
	if p.ID == "" {
		return nil, requiredErr(models.TableProjects, "id")
	}
	if p.Name == "" {
		return nil, requiredErr(models.TableProjects, "name")
	}
	if p.StartDate == "" || p.EndDate == "" {
		return nil, requiredErr(models.TableProjects, "start_date/end_date")
	}

	return Row{
		"id":           p.ID,
		"tenant_id":    tenantID,
		"name":         p.Name,
		"description":  p.Description,
		"client_name":  p.ClientName,
		"location":     p.Location,
		"status":       defaultString(p.Status, "PLANNING"),
		"start_date":   p.StartDate,
		"end_date":     p.EndDate,
		"total_budget": p.Budget,
		"logo_url":     p.LogoURL,
		"baseline_set": p.BaselineSet,
	}, nil
}

// ProjectFromRow maps a remote row back to a project.
func ProjectFromRow(row Row) *models.Project {
	return &models.Project{
		ID:          str(row, "id"),
		TenantID:    str(row, "tenant_id"),
		Name:        str(row, "name"),
		Description: str(row, "description"),
		ClientName:  str(row, "client_name"),
		Location:    str(row, "location"),
		Status:      defaultString(str(row, "status"), "PLANNING"),
		StartDate:   str(row, "start_date"),
		EndDate:     str(row, "end_date"),
		Budget:      num(row, "total_budget"),
		LogoURL:     str(row, "logo_url"),
		BaselineSet: boolean(row, "baseline_set"),
	}
}

// TaskToRow maps a task to its remote row. The cost columns are camelCase
// in the remote schema (legacy anomaly).
func TaskToRow(t *models.Task, tenantID string) (Row, error) {
	if t.ID == "" {
		return nil, requiredErr(models.TableTasks, "id")
	}
	if t.ProjectID == "" {
		return nil, requiredErr(models.TableTasks, "project_id")
	}
	if t.Name == "" {
		return nil, requiredErr(models.TableTasks, "name")
	}

	return Row{
		"id":             t.ID,
		"tenant_id":      tenantID,
		"project_id":     t.ProjectID,
		"name":           t.Name,
		"description":    t.Description,
		"wbs":            t.WBS,
		"planned_start":  t.PlannedStart,
		"planned_end":    t.PlannedEnd,
		"actual_start":   t.ActualStart,
		"actual_end":     t.ActualEnd,
		"duration_days":  t.DurationDays,
		"planned_qty":    t.PlannedQty,
		"actual_qty":     t.ActualQty,
		"unit":           t.Unit,
		"weight":         t.Weight,
		"is_auto_weight": t.AutoWeight,
		"dependencies":   encodeList(t.Dependencies),
		"allocations":    encodeList(t.Allocations),
		"plannedCost":    t.PlannedCost,
		"actualCost":     t.ActualCost,
	}, nil
}

// TaskFromRow maps a remote row back to a task.
func TaskFromRow(row Row) *models.Task {
	t := &models.Task{
		ID:             str(row, "id"),
		TenantID:       str(row, "tenant_id"),
		ProjectID:      str(row, "project_id"),
		Name:           str(row, "name"),
		Description:    str(row, "description"),
		WBS:            str(row, "wbs"),
		PlannedStart:   str(row, "planned_start"),
		PlannedEnd:     str(row, "planned_end"),
		ActualStart:    str(row, "actual_start"),
		ActualEnd:      str(row, "actual_end"),
		DurationDays:   integer(row, "duration_days"),
		PlannedQty:     num(row, "planned_qty"),
		ActualQty:      num(row, "actual_qty"),
		Unit:           str(row, "unit"),
		Weight:         num(row, "weight"),
		AutoWeight:     boolean(row, "is_auto_weight"),
		PlannedCost:    num(row, "plannedCost"),
		ActualCost:     num(row, "actualCost"),
		UpdatedAt:      str(row, "updated_at"),
		VersionNumber:  integer(row, "version_number"),
		LastModifiedBy: str(row, "last_modified_by"),
	}
	decodeList(row, "dependencies", &t.Dependencies)
	decodeList(row, "allocations", &t.Allocations)
	if t.Dependencies == nil {
		t.Dependencies = []string{}
	}
	if t.Allocations == nil {
		t.Allocations = []models.Allocation{}
	}
	return t
}

// ResourceToRow maps a resource to its remote row.
func ResourceToRow(r *models.Resource, tenantID string) (Row, error) {
	if r.ID == "" {
		return nil, requiredErr(models.TableResources, "id")
	}
	if r.Name == "" {
		return nil, requiredErr(models.TableResources, "name")
	}
	if r.Type == "" {
		return nil, requiredErr(models.TableResources, "type")
	}

	return Row{
		"id":          r.ID,
		"tenant_id":   tenantID,
		"name":        r.Name,
		"type":        r.Type,
		"role_id":     r.RoleID,
		"role_name":   r.RoleName,
		"user_id":     r.UserID,
		"active":      r.Active,
		"hourly_cost": r.HourlyCost,
	}, nil
}

// ResourceFromRow maps a remote row back to a resource.
func ResourceFromRow(row Row) *models.Resource {
	return &models.Resource{
		ID:         str(row, "id"),
		TenantID:   str(row, "tenant_id"),
		Name:       str(row, "name"),
		Type:       str(row, "type"),
		RoleID:     str(row, "role_id"),
		RoleName:   str(row, "role_name"),
		UserID:     str(row, "user_id"),
		Active:     boolean(row, "active"),
		HourlyCost: num(row, "hourly_cost"),
	}
}

// DailyLogToRow maps a daily log to its remote row.
func DailyLogToRow(l *models.DailyLog, tenantID string) (Row, error) {
	if l.ID == "" {
		return nil, requiredErr(models.TableDailyLogs, "id")
	}
	if l.ProjectID == "" {
		return nil, requiredErr(models.TableDailyLogs, "project_id")
	}
	if l.Date == "" {
		return nil, requiredErr(models.TableDailyLogs, "date")
	}
	if l.UserID == "" {
		return nil, requiredErr(models.TableDailyLogs, "user_id")
	}

	photos := l.Photos
	if photos == nil {
		photos = []string{}
	}

	return Row{
		"id":              l.ID,
		"tenant_id":       tenantID,
		"project_id":      l.ProjectID,
		"date":            l.Date,
		"user_id":         l.UserID,
		"notes":           l.Notes,
		"progress":        encodeList(l.Progress),
		"photos":          encodeList(photos),
		"blockers":        encodeList(l.Blockers),
		"cascade_applied": l.CascadeApplied,
	}, nil
}

// DailyLogFromRow maps a remote row back to a daily log.
func DailyLogFromRow(row Row) *models.DailyLog {
	l := &models.DailyLog{
		ID:             str(row, "id"),
		TenantID:       str(row, "tenant_id"),
		ProjectID:      str(row, "project_id"),
		Date:           str(row, "date"),
		UserID:         str(row, "user_id"),
		Notes:          str(row, "notes"),
		CascadeApplied: boolean(row, "cascade_applied"),
	}
	decodeList(row, "progress", &l.Progress)
	decodeList(row, "photos", &l.Photos)
	decodeList(row, "blockers", &l.Blockers)
	if l.Progress == nil {
		l.Progress = []models.TaskProgress{}
	}
	if l.Photos == nil {
		l.Photos = []string{}
	}
	return l
}

// TenantToRow maps a tenant to its remote row. The tenants table has no
// tenant_id column (it is the scoping root), and its plan and limit columns
// are camelCase (legacy anomaly).
func TenantToRow(t *models.Tenant) (Row, error) {
	if t.ID == "" {
		return nil, requiredErr(models.TableTenants, "id")
	}
	if t.Name == "" {
		return nil, requiredErr(models.TableTenants, "name")
	}

	return Row{
		"id":             t.ID,
		"name":           t.Name,
		"tax_id":         t.TaxID,
		"status":         defaultString(t.Status, "SUSPENDED"),
		"logoUrl":        t.LogoURL,
		"planId":         defaultString(t.PlanID, "BASIC"),
		"licenseEnd":     t.LicenseEnd,
		"userLimit":      defaultInt(t.UserLimit, 10),
		"projectLimit":   defaultInt(t.ProjectLimit, 5),
		"laborLimit":     defaultInt(t.LaborLimit, 50),
		"equipmentLimit": defaultInt(t.EquipmentLimit, 20),
		"roleLimit":      defaultInt(t.RoleLimit, 15),
	}, nil
}

// TenantFromRow maps a remote row back to a tenant.
func TenantFromRow(row Row) *models.Tenant {
	return &models.Tenant{
		ID:             str(row, "id"),
		Name:           str(row, "name"),
		TaxID:          str(row, "tax_id"),
		Status:         defaultString(str(row, "status"), "SUSPENDED"),
		LogoURL:        str(row, "logoUrl"),
		PlanID:         defaultString(str(row, "planId"), "BASIC"),
		LicenseEnd:     str(row, "licenseEnd"),
		UserLimit:      defaultInt(integer(row, "userLimit"), 10),
		ProjectLimit:   defaultInt(integer(row, "projectLimit"), 5),
		LaborLimit:     defaultInt(integer(row, "laborLimit"), 50),
		EquipmentLimit: defaultInt(integer(row, "equipmentLimit"), 20),
		RoleLimit:      defaultInt(integer(row, "roleLimit"), 15),
	}
}

// UserToRow maps a user to its remote profile row. The password never
// reaches the profile table; it only feeds the identity signup. The avatar
// and password-change columns are camelCase (legacy anomaly).
func UserToRow(u *models.User, tenantID string) (Row, error) {
	if u.ID == "" {
		return nil, requiredErr(models.TableUsers, "id")
	}
	if u.Email == "" {
		return nil, requiredErr(models.TableUsers, "email")
	}

	return Row{
		"id":                 u.ID,
		"tenant_id":          tenantID,
		"email":              u.Email,
		"name":               u.Name,
		"role":               u.Role,
		"active":             u.Active,
		"job_title":          u.JobTitle,
		"avatarUrl":          u.AvatarURL,
		"lastPasswordChange": u.LastPasswordChange,
	}, nil
}

// UserFromRow maps a remote row back to a user.
func UserFromRow(row Row) *models.User {
	return &models.User{
		ID:                 str(row, "id"),
		TenantID:           str(row, "tenant_id"),
		Email:              str(row, "email"),
		Name:               str(row, "name"),
		Role:               str(row, "role"),
		Active:             boolean(row, "active"),
		JobTitle:           str(row, "job_title"),
		AvatarURL:          str(row, "avatarUrl"),
		LastPasswordChange: str(row, "lastPasswordChange"),
	}
}

// RoleToRow maps a role definition to its remote row. The remote table has
// BOTH std_hours and stdHours columns; writes fill both so either reader
// stays consistent. The tenant column is camelCase here (legacy anomaly).
func RoleToRow(r *models.RoleDefinition, tenantID string) (Row, error) {
	if r.ID == "" {
		return nil, requiredErr(models.TableRoles, "id")
	}
	if r.Name == "" {
		return nil, requiredErr(models.TableRoles, "name")
	}

	return Row{
		"id":        r.ID,
		"tenantId":  tenantID,
		"name":      r.Name,
		"category":  r.Category,
		"std_hours": r.StdHours,
		"stdHours":  r.StdHours,
	}, nil
}

// RoleFromRow maps a remote row back to a role definition. Reads prefer
// the snake_case column and fall back to the camelCase duplicate.
func RoleFromRow(row Row) *models.RoleDefinition {
	hours := num(row, "std_hours")
	if _, ok := row["std_hours"]; !ok {
		hours = num(row, "stdHours")
	}
	tenantID := str(row, "tenantId")
	if tenantID == "" {
		tenantID = str(row, "tenant_id")
	}
	return &models.RoleDefinition{
		ID:       str(row, "id"),
		TenantID: tenantID,
		Name:     str(row, "name"),
		StdHours: hours,
		Category: str(row, "category"),
	}
}

// RowFromPayload interprets a queued entity snapshot at flush time,
// producing the remote row for its table.
func RowFromPayload(table models.Table, payload []byte, tenantID string) (Row, error) {
	switch table {
	case models.TableProjects:
		var p models.Project
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "decode queued project", err)
		}
		return ProjectToRow(&p, tenantID)
	case models.TableTasks:
		var t models.Task
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "decode queued task", err)
		}
		return TaskToRow(&t, tenantID)
	case models.TableResources:
		var r models.Resource
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "decode queued resource", err)
		}
		return ResourceToRow(&r, tenantID)
	case models.TableDailyLogs:
		var l models.DailyLog
		if err := json.Unmarshal(payload, &l); err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "decode queued daily log", err)
		}
		return DailyLogToRow(&l, tenantID)
	case models.TableTenants:
		var t models.Tenant
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "decode queued tenant", err)
		}
		return TenantToRow(&t)
	case models.TableUsers:
		var u models.User
		if err := json.Unmarshal(payload, &u); err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "decode queued user", err)
		}
		return UserToRow(&u, tenantID)
	case models.TableRoles:
		var r models.RoleDefinition
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "decode queued role", err)
		}
		return RoleToRow(&r, tenantID)
	}
	return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("unknown table %q", table))
}

// Row value helpers. Rows come back from JSON decoding, so numbers arrive
// as float64 and list columns as JSON-encoded text.

func str(row Row, key string) string {
	if v, ok := row[key].(string); ok {
		return v
	}
	return ""
}

func num(row Row, key string) float64 {
	switch v := row[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func integer(row Row, key string) int {
	return int(num(row, key))
}

func boolean(row Row, key string) bool {
	if v, ok := row[key].(bool); ok {
		return v
	}
	return false
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// encodeList JSON-encodes a list value for a text column.
func encodeList(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// decodeList decodes a list column into dst. The column may hold a JSON
// string (text column) or an already-decoded slice; both are accepted, and
// malformed values are left as the zero value rather than erroring.
func decodeList(row Row, key string, dst interface{}) {
	switch v := row[key].(type) {
	case string:
		if v == "" {
			return
		}
		_ = json.Unmarshal([]byte(v), dst)
	case []interface{}:
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		_ = json.Unmarshal(data, dst)
	}
}
