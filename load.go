package projexsync

import (
	"context"

	"github.com/projexhq/projex-sync/internal/errors"
	"github.com/projexhq/projex-sync/internal/mapper"
	"github.com/projexhq/projex-sync/internal/models"
	"github.com/projexhq/projex-sync/internal/remote"
)

// Snapshot is a tenant's full working set, fetched on login or tenant
// switch.
type Snapshot struct {
	Projects  []*models.Project
	Tasks     []*models.Task
	Resources []*models.Resource
	DailyLogs []*models.DailyLog
	Users     []*models.User
	Roles     []*models.RoleDefinition
}

func (s *Service) notConfigured() error {
	return errors.New(errors.ErrSyncNotConfigured, "remote store not configured")
}

// LoadInitialData fetches every tenant-scoped table for tenantID.
func (s *Service) LoadInitialData(ctx context.Context, tenantID string) (*Snapshot, error) {
	if s.remote == nil {
		return nil, s.notConfigured()
	}
	if tenantID == "" {
		return nil, errors.New(errors.ErrInvalid, "tenant id is required")
	}

	scope := remote.Filters{"tenant_id": tenantID}
	snap := &Snapshot{}

	rows, err := s.remote.Select(ctx, models.TableProjects.String(), scope, "")
	if err != nil {
		return nil, s.loadFailed(models.TableProjects, err)
	}
	for _, row := range rows {
		snap.Projects = append(snap.Projects, mapper.ProjectFromRow(row))
	}

	rows, err = s.remote.Select(ctx, models.TableTasks.String(), scope, "")
	if err != nil {
		return nil, s.loadFailed(models.TableTasks, err)
	}
	for _, row := range rows {
		snap.Tasks = append(snap.Tasks, mapper.TaskFromRow(row))
	}

	rows, err = s.remote.Select(ctx, models.TableResources.String(), scope, "")
	if err != nil {
		return nil, s.loadFailed(models.TableResources, err)
	}
	for _, row := range rows {
		snap.Resources = append(snap.Resources, mapper.ResourceFromRow(row))
	}

	rows, err = s.remote.Select(ctx, models.TableDailyLogs.String(), scope, "")
	if err != nil {
		return nil, s.loadFailed(models.TableDailyLogs, err)
	}
	for _, row := range rows {
		snap.DailyLogs = append(snap.DailyLogs, mapper.DailyLogFromRow(row))
	}

	rows, err = s.remote.Select(ctx, models.TableUsers.String(), scope, "")
	if err != nil {
		return nil, s.loadFailed(models.TableUsers, err)
	}
	for _, row := range rows {
		snap.Users = append(snap.Users, mapper.UserFromRow(row))
	}

	snap.Roles, err = s.LoadRoles(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Initial data loaded",
		map[string]interface{}{
			"tenant_id":  tenantID,
			"projects":   len(snap.Projects),
			"tasks":      len(snap.Tasks),
			"resources":  len(snap.Resources),
			"daily_logs": len(snap.DailyLogs),
			"users":      len(snap.Users),
			"roles":      len(snap.Roles),
		})
	return snap, nil
}

// LoadRoles fetches the tenant's role definitions. The roles table scopes
// by a camelCase tenant column (legacy anomaly).
func (s *Service) LoadRoles(ctx context.Context, tenantID string) ([]*models.RoleDefinition, error) {
	if s.remote == nil {
		return nil, s.notConfigured()
	}

	rows, err := s.remote.Select(ctx, models.TableRoles.String(), remote.Filters{"tenantId": tenantID}, "")
	if err != nil {
		return nil, s.loadFailed(models.TableRoles, err)
	}

	roles := make([]*models.RoleDefinition, 0, len(rows))
	for _, row := range rows {
		roles = append(roles, mapper.RoleFromRow(row))
	}
	return roles, nil
}

// LoadTenant fetches a single tenant by ID.
func (s *Service) LoadTenant(ctx context.Context, id string) (*models.Tenant, error) {
	if s.remote == nil {
		return nil, s.notConfigured()
	}

	row, err := s.remote.SelectSingle(ctx, models.TableTenants.String(), remote.Filters{"id": id}, "")
	if err != nil {
		return nil, s.loadFailed(models.TableTenants, err)
	}
	return mapper.TenantFromRow(row), nil
}

// LoadAllTenants fetches every tenant. Callers below platform-admin
// privilege see only the rows the server's row-level security exposes.
func (s *Service) LoadAllTenants(ctx context.Context) ([]*models.Tenant, error) {
	if s.remote == nil {
		return nil, s.notConfigured()
	}

	rows, err := s.remote.Select(ctx, models.TableTenants.String(), nil, "")
	if err != nil {
		return nil, s.loadFailed(models.TableTenants, err)
	}

	tenants := make([]*models.Tenant, 0, len(rows))
	for _, row := range rows {
		tenants = append(tenants, mapper.TenantFromRow(row))
	}
	return tenants, nil
}

// LoadAllUsers fetches every user visible to the caller across tenants.
func (s *Service) LoadAllUsers(ctx context.Context) ([]*models.User, error) {
	if s.remote == nil {
		return nil, s.notConfigured()
	}

	rows, err := s.remote.Select(ctx, models.TableUsers.String(), nil, "")
	if err != nil {
		return nil, s.loadFailed(models.TableUsers, err)
	}

	users := make([]*models.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, mapper.UserFromRow(row))
	}
	return users, nil
}

func (s *Service) loadFailed(table models.Table, err error) error {
	if IsPermissionError(err) {
		s.permissions.Notify(err)
	}
	s.logger.Warn("Load failed",
		map[string]interface{}{"table": table.String(), "error": err.Error()})
	return err
}
