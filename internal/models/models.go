// Package models provides data model definitions for the sync engine.
package models

// Table identifies a synchronized entity kind. Every table except tenants
// carries a tenant-scoping column on the remote side.
type Table string

const (
	TableProjects  Table = "projects"
	TableTasks     Table = "tasks"
	TableResources Table = "resources"
	TableDailyLogs Table = "daily_logs"
	TableTenants   Table = "tenants"
	TableUsers     Table = "users"
	TableRoles     Table = "roles"
)

// Tables lists every synchronized table.
var Tables = []Table{
	TableProjects,
	TableTasks,
	TableResources,
	TableDailyLogs,
	TableTenants,
	TableUsers,
	TableRoles,
}

// Valid reports whether t is a known synchronized table.
func (t Table) Valid() bool {
	switch t {
	case TableProjects, TableTasks, TableResources, TableDailyLogs,
		TableTenants, TableUsers, TableRoles:
		return true
	}
	return false
}

// String returns the table name.
func (t Table) String() string {
	return string(t)
}

// Project represents a construction project.
type Project struct {
	ID          string  `json:"id"`
	TenantID    string  `json:"tenantId"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	ClientName  string  `json:"clientName,omitempty"`
	Location    string  `json:"location"`
	Status      string  `json:"status"`
	StartDate   string  `json:"startDate"`
	EndDate     string  `json:"endDate"`
	Budget      float64 `json:"budget"`
	LogoURL     string  `json:"logoUrl,omitempty"`
	BaselineSet bool    `json:"baselineSet"`
}

// Allocation assigns a quantity of a resource to a task.
type Allocation struct {
	ResourceID string  `json:"resourceId"`
	Quantity   float64 `json:"quantity"`
}

// Task represents a schedule activity. Tasks are conflict-sensitive: they
// carry the last-write-wins metadata (UpdatedAt, VersionNumber,
// LastModifiedBy) maintained by the engine on every successful write.
type Task struct {
	ID             string       `json:"id"`
	TenantID       string       `json:"tenantId"`
	ProjectID      string       `json:"projectId"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	WBS            string       `json:"wbs"`
	DurationDays   int          `json:"durationDays"`
	PlannedStart   string       `json:"plannedStart"`
	PlannedEnd     string       `json:"plannedEnd"`
	ActualStart    string       `json:"actualStart,omitempty"`
	ActualEnd      string       `json:"actualEnd,omitempty"`
	Dependencies   []string     `json:"dependencies"`
	Unit           string       `json:"unit,omitempty"`
	PlannedQty     float64      `json:"plannedQty"`
	ActualQty      float64      `json:"actualQty"`
	Weight         float64      `json:"weight"`
	AutoWeight     bool         `json:"autoWeight"`
	PlannedCost    float64      `json:"plannedCost"`
	ActualCost     float64      `json:"actualCost"`
	Allocations    []Allocation `json:"allocations"`
	UpdatedAt      string       `json:"updatedAt,omitempty"`
	VersionNumber  int          `json:"versionNumber,omitempty"`
	LastModifiedBy string       `json:"lastModifiedBy,omitempty"`
}

// Resource types.
const (
	ResourceHuman     = "HUMAN"
	ResourceEquipment = "EQUIPMENT"
)

// Resource represents labor or equipment assignable to tasks.
type Resource struct {
	ID         string  `json:"id"`
	TenantID   string  `json:"tenantId"`
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	RoleID     string  `json:"roleId,omitempty"`
	RoleName   string  `json:"roleName,omitempty"`
	UserID     string  `json:"userId,omitempty"`
	HourlyCost float64 `json:"hourlyCost"`
	Active     bool    `json:"active"`
}

// TaskProgress records quantity advanced on a task within a daily log.
type TaskProgress struct {
	TaskID    string  `json:"taskId"`
	Quantity  float64 `json:"quantity"`
	ExtraCost float64 `json:"extraCost,omitempty"`
	Note      string  `json:"note,omitempty"`
}

// Blocker records a work impediment within a daily log.
type Blocker struct {
	Reason    string  `json:"reason"`
	HoursLost float64 `json:"hoursLost"`
	Detail    string  `json:"detail,omitempty"`
}

// DailyLog represents a site diary entry (RDO).
type DailyLog struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenantId"`
	ProjectID      string         `json:"projectId"`
	Date           string         `json:"date"`
	UserID         string         `json:"userId"`
	Notes          string         `json:"notes"`
	Progress       []TaskProgress `json:"progress"`
	Photos         []string       `json:"photos"`
	Blockers       []Blocker      `json:"blockers,omitempty"`
	CascadeApplied bool           `json:"cascadeApplied"`
}

// Tenant is the isolation root; every other entity belongs to exactly one.
type Tenant struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	TaxID          string `json:"taxId"`
	LogoURL        string `json:"logoUrl,omitempty"`
	PlanID         string `json:"planId"`
	LicenseEnd     string `json:"licenseEnd"`
	Status         string `json:"status"`
	UserLimit      int    `json:"userLimit"`
	ProjectLimit   int    `json:"projectLimit"`
	LaborLimit     int    `json:"laborLimit"`
	EquipmentLimit int    `json:"equipmentLimit"`
	RoleLimit      int    `json:"roleLimit"`
}

// User represents an application account. Password is transient: it is only
// set on a locally created user awaiting its identity signup, and is never
// written to the remote profile row.
type User struct {
	ID                 string `json:"id"`
	TenantID           string `json:"tenantId"`
	Name               string `json:"name"`
	Email              string `json:"email"`
	Role               string `json:"role"`
	JobTitle           string `json:"jobTitle,omitempty"`
	AvatarURL          string `json:"avatarUrl,omitempty"`
	Password           string `json:"password,omitempty"`
	LastPasswordChange string `json:"lastPasswordChange,omitempty"`
	Active             bool   `json:"active"`
}

// RoleDefinition represents a job role with a standard hourly rate.
type RoleDefinition struct {
	ID       string  `json:"id"`
	TenantID string  `json:"tenantId"`
	Name     string  `json:"name"`
	StdHours float64 `json:"stdHours"`
	Category string  `json:"category"`
}
