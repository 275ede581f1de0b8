package projexsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/projexhq/projex-sync/internal/conflict"
	"github.com/projexhq/projex-sync/internal/errors"
	"github.com/projexhq/projex-sync/internal/mapper"
	"github.com/projexhq/projex-sync/internal/models"
	"github.com/projexhq/projex-sync/internal/queue"
	"github.com/projexhq/projex-sync/internal/reconcile"
	"github.com/projexhq/projex-sync/internal/remote"
)

// batchSize caps rows per upsert request.
const batchSize = 100

// pending pairs a mapped row with the enqueue parameters used if the write
// has to fall back to the offline queue.
type pending struct {
	id      string
	action  queue.Action
	payload []byte
}

// SyncProjects pushes projects to the remote store. Temporary identifiers
// are promoted in place and the old -> new map is returned; the caller
// patches its own dependent references. On failure every unwritten project
// is queued for retry and the error is returned alongside the map.
func (s *Service) SyncProjects(ctx context.Context, projects []*models.Project, tenantID string) (reconcile.Map, error) {
	idMap := reconcile.Map{}
	rows := make([]mapper.Row, 0, len(projects))
	pendings := make([]pending, 0, len(projects))

	for _, p := range projects {
		action := actionFor(models.TableProjects, p.ID)
		p.ID = idMap.Resolve(models.TableProjects, p.ID)
		p.TenantID = tenantID

		row, err := mapper.ProjectToRow(p, tenantID)
		if err != nil {
			return idMap, err
		}
		rows = append(rows, row)

		payload, err := json.Marshal(p)
		if err != nil {
			return idMap, errors.Wrap(errors.ErrInvalid, "encode project", err)
		}
		pendings = append(pendings, pending{id: p.ID, action: action, payload: payload})
	}

	return idMap, s.writeThrough(ctx, models.TableProjects, rows, pendings, tenantID)
}

// SyncTasks pushes tasks to the remote store, stamping write metadata on
// every row. Dependencies naming other tasks in the same batch are patched
// through the reconciliation map; references to entities outside the batch
// are the caller's to patch.
func (s *Service) SyncTasks(ctx context.Context, tasks []*models.Task, actorID, tenantID string) (reconcile.Map, error) {
	idMap := reconcile.Map{}
	ts := s.now().UTC().Format(time.RFC3339)

	// Resolve every ID first so in-batch dependency references patch
	// regardless of ordering.
	actions := make([]queue.Action, len(tasks))
	for i, t := range tasks {
		actions[i] = actionFor(models.TableTasks, t.ID)
		t.ID = idMap.Resolve(models.TableTasks, t.ID)
		t.TenantID = tenantID
	}

	rows := make([]mapper.Row, 0, len(tasks))
	pendings := make([]pending, 0, len(tasks))
	for i, t := range tasks {
		for j, dep := range t.Dependencies {
			if replaced, ok := idMap[dep]; ok {
				t.Dependencies[j] = replaced
			}
		}
		if err := checkTaskReferences(t); err != nil {
			return idMap, err
		}

		t.UpdatedAt = ts
		if t.VersionNumber < 1 {
			t.VersionNumber = 1
		}
		t.LastModifiedBy = actorID

		row, err := mapper.TaskToRow(t, tenantID)
		if err != nil {
			return idMap, err
		}
		stampRow(row, t.UpdatedAt, t.VersionNumber, t.LastModifiedBy)
		rows = append(rows, row)

		payload, err := json.Marshal(t)
		if err != nil {
			return idMap, errors.Wrap(errors.ErrInvalid, "encode task", err)
		}
		pendings = append(pendings, pending{id: t.ID, action: actions[i], payload: payload})
	}

	return idMap, s.writeThrough(ctx, models.TableTasks, rows, pendings, tenantID)
}

// SyncResources pushes resources to the remote store.
func (s *Service) SyncResources(ctx context.Context, resources []*models.Resource, tenantID string) (reconcile.Map, error) {
	idMap := reconcile.Map{}
	rows := make([]mapper.Row, 0, len(resources))
	pendings := make([]pending, 0, len(resources))

	for _, r := range resources {
		action := actionFor(models.TableResources, r.ID)
		r.ID = idMap.Resolve(models.TableResources, r.ID)
		r.TenantID = tenantID

		row, err := mapper.ResourceToRow(r, tenantID)
		if err != nil {
			return idMap, err
		}
		rows = append(rows, row)

		payload, err := json.Marshal(r)
		if err != nil {
			return idMap, errors.Wrap(errors.ErrInvalid, "encode resource", err)
		}
		pendings = append(pendings, pending{id: r.ID, action: action, payload: payload})
	}

	return idMap, s.writeThrough(ctx, models.TableResources, rows, pendings, tenantID)
}

// SyncDailyLogs pushes site diary entries to the remote store.
func (s *Service) SyncDailyLogs(ctx context.Context, logs []*models.DailyLog, tenantID string) (reconcile.Map, error) {
	idMap := reconcile.Map{}
	rows := make([]mapper.Row, 0, len(logs))
	pendings := make([]pending, 0, len(logs))

	for _, l := range logs {
		action := actionFor(models.TableDailyLogs, l.ID)
		l.ID = idMap.Resolve(models.TableDailyLogs, l.ID)
		l.TenantID = tenantID

		if err := checkReference(models.TableProjects, "project", l.ProjectID); err != nil {
			return idMap, err
		}
		for _, p := range l.Progress {
			if err := checkReference(models.TableTasks, "task", p.TaskID); err != nil {
				return idMap, err
			}
		}

		row, err := mapper.DailyLogToRow(l, tenantID)
		if err != nil {
			return idMap, err
		}
		rows = append(rows, row)

		payload, err := json.Marshal(l)
		if err != nil {
			return idMap, errors.Wrap(errors.ErrInvalid, "encode daily log", err)
		}
		pendings = append(pendings, pending{id: l.ID, action: action, payload: payload})
	}

	return idMap, s.writeThrough(ctx, models.TableDailyLogs, rows, pendings, tenantID)
}

// SyncTenants pushes tenants to the remote store. Tenants always arrive
// with permanent identifiers, so the reconciliation map is always empty.
func (s *Service) SyncTenants(ctx context.Context, tenants []*models.Tenant) (reconcile.Map, error) {
	idMap := reconcile.Map{}
	rows := make([]mapper.Row, 0, len(tenants))
	pendings := make([]pending, 0, len(tenants))

	for _, t := range tenants {
		row, err := mapper.TenantToRow(t)
		if err != nil {
			return idMap, err
		}
		rows = append(rows, row)

		payload, err := json.Marshal(t)
		if err != nil {
			return idMap, errors.Wrap(errors.ErrInvalid, "encode tenant", err)
		}
		pendings = append(pendings, pending{id: t.ID, action: queue.ActionUpdate, payload: payload})
	}

	return idMap, s.writeThrough(ctx, models.TableTenants, rows, pendings, "")
}

// SyncUsers pushes users to the remote store. A locally created user (temp
// ID plus transient password) goes through the two-phase write: its
// authentication identity is created first and its profile row takes the
// identity's ID. The password never reaches the profile table. A failed
// identity phase queues that user's create (password included, so the
// replay runs both phases) and the error surfaces after the rest of the
// batch is processed.
func (s *Service) SyncUsers(ctx context.Context, users []*models.User, tenantID string) (reconcile.Map, error) {
	idMap := reconcile.Map{}
	rows := make([]mapper.Row, 0, len(users))
	pendings := make([]pending, 0, len(users))
	var firstErr error

	for _, u := range users {
		action := actionFor(models.TableUsers, u.ID)
		oldID := u.ID

		if reconcile.IsTemporary(models.TableUsers, u.ID) {
			if s.remote != nil && s.auth != nil && u.Password != "" {
				identityID, err := s.auth.EnsureIdentity(ctx, u.Email, u.Password, u.Name, tenantID, u.Role)
				if err != nil {
					if errors.Is(err, errors.ErrInvalid) {
						return idMap, err
					}
					if IsPermissionError(err) {
						s.permissions.Notify(err)
					}
					// Identity phase failed: keep the password in the queued
					// payload so the flush replays both phases.
					u.ID = idMap.Resolve(models.TableUsers, u.ID)
					payload, perr := json.Marshal(u)
					if perr != nil {
						return idMap, errors.Wrap(errors.ErrInvalid, "encode user", perr)
					}
					if _, qerr := s.queue.Enqueue(queue.ActionCreate, models.TableUsers, u.ID, payload, tenantID); qerr != nil {
						return idMap, qerr
					}
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
				idMap[oldID] = identityID
				u.ID = identityID
				u.Password = ""
			} else {
				u.ID = idMap.Resolve(models.TableUsers, u.ID)
			}
		}
		u.TenantID = tenantID

		row, err := mapper.UserToRow(u, tenantID)
		if err != nil {
			return idMap, err
		}
		rows = append(rows, row)

		payload, err := json.Marshal(u)
		if err != nil {
			return idMap, errors.Wrap(errors.ErrInvalid, "encode user", err)
		}
		pendings = append(pendings, pending{id: u.ID, action: action, payload: payload})
	}

	if err := s.writeThrough(ctx, models.TableUsers, rows, pendings, tenantID); err != nil {
		return idMap, err
	}
	return idMap, firstErr
}

// SyncRoles pushes role definitions to the remote store.
func (s *Service) SyncRoles(ctx context.Context, roles []*models.RoleDefinition, tenantID string) (reconcile.Map, error) {
	idMap := reconcile.Map{}
	rows := make([]mapper.Row, 0, len(roles))
	pendings := make([]pending, 0, len(roles))

	for _, r := range roles {
		action := actionFor(models.TableRoles, r.ID)
		r.ID = idMap.Resolve(models.TableRoles, r.ID)
		r.TenantID = tenantID

		row, err := mapper.RoleToRow(r, tenantID)
		if err != nil {
			return idMap, err
		}
		rows = append(rows, row)

		payload, err := json.Marshal(r)
		if err != nil {
			return idMap, errors.Wrap(errors.ErrInvalid, "encode role", err)
		}
		pendings = append(pendings, pending{id: r.ID, action: action, payload: payload})
	}

	return idMap, s.writeThrough(ctx, models.TableRoles, rows, pendings, tenantID)
}

// UpsertRole writes a single role definition.
func (s *Service) UpsertRole(ctx context.Context, role *models.RoleDefinition, tenantID string) error {
	_, err := s.SyncRoles(ctx, []*models.RoleDefinition{role}, tenantID)
	return err
}

// DeleteRole removes a role definition by ID.
func (s *Service) DeleteRole(ctx context.Context, roleID, tenantID string) error {
	return s.DeleteEntity(ctx, models.TableRoles, roleID, tenantID)
}

// DeleteEntity removes one row by ID. Deleting an absent row succeeds; any
// other failure queues the delete for retry and returns the error.
func (s *Service) DeleteEntity(ctx context.Context, table models.Table, id, tenantID string) error {
	if !table.Valid() {
		return errors.New(errors.ErrInvalid, "unknown table")
	}
	if id == "" {
		return errors.New(errors.ErrInvalid, "delete requires an entity id")
	}

	var err error
	if s.remote == nil {
		err = errors.New(errors.ErrSyncOffline, "remote store unavailable")
	} else {
		err = s.remote.Delete(ctx, table.String(), remote.Filters{"id": id})
		if err == nil {
			return nil
		}
		switch {
		case errors.Is(err, errors.ErrNotFound):
			// Already gone; deletes are idempotent.
			return nil
		case IsPermissionError(err):
			s.permissions.Notify(err)
		}
	}

	payload, perr := json.Marshal(map[string]string{"id": id})
	if perr != nil {
		return err
	}
	if _, qerr := s.queue.Enqueue(queue.ActionDelete, table, id, payload, tenantID); qerr != nil {
		return qerr
	}
	s.logger.Warn("Delete failed, queued for retry",
		map[string]interface{}{"table": table.String(), "id": id, "error": err.Error()})
	return err
}

// TaskSyncResult is the outcome of a single conflict-checked task write.
// Exactly one of Task or Conflict is set.
type TaskSyncResult struct {
	Task     *models.Task
	Conflict *conflict.Resolution
}

// SyncTask writes one task with a last-write-wins conflict check. When the
// remote row is strictly newer than the task's local timestamp the write is
// aborted without mutating the task or the remote row, and the result
// carries the conflict; the caller decides whether to refetch or overwrite.
// A failed write is queued for retry and the error is returned; the task
// keeps its promoted ID and stamped metadata for the replay.
func (s *Service) SyncTask(ctx context.Context, task *models.Task, actorID, tenantID string) (*TaskSyncResult, error) {
	if task == nil {
		return nil, errors.New(errors.ErrInvalid, "task is required")
	}

	created := reconcile.IsTemporary(models.TableTasks, task.ID)
	if created {
		idMap := reconcile.Map{}
		task.ID = idMap.Resolve(models.TableTasks, task.ID)
	}
	task.TenantID = tenantID

	if s.remote != nil && !created && task.UpdatedAt != "" {
		res, err := s.detector.Detect(ctx, models.TableTasks, task.ID, task.UpdatedAt)
		if err != nil && !shouldQueue(err) {
			if IsPermissionError(err) {
				s.permissions.Notify(err)
			}
			return nil, err
		}
		if err == nil && res.HasConflict {
			return &TaskSyncResult{Conflict: res}, nil
		}
		// Transient detect failure: cannot prove staleness, proceed and
		// let the offline path handle the write.
	}

	if err := checkTaskReferences(task); err != nil {
		return nil, err
	}

	task.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	task.VersionNumber++
	task.LastModifiedBy = actorID

	if s.remote == nil {
		if err := s.queueTask(task, created, tenantID); err != nil {
			return nil, err
		}
		return nil, errors.New(errors.ErrSyncOffline, "remote store unavailable")
	}

	row, err := mapper.TaskToRow(task, tenantID)
	if err != nil {
		return nil, err
	}
	stampRow(row, task.UpdatedAt, task.VersionNumber, task.LastModifiedBy)

	if err := s.remote.Upsert(ctx, models.TableTasks.String(), []mapper.Row{row}); err != nil {
		switch {
		case IsPermissionError(err):
			s.permissions.Notify(err)
		case errors.Is(err, errors.ErrValidation):
			s.logger.Error("Remote rejected task write, check schema columns", err,
				map[string]interface{}{"id": task.ID})
		}

		if qerr := s.queueTask(task, created, tenantID); qerr != nil {
			return nil, qerr
		}
		return nil, err
	}

	return &TaskSyncResult{Task: task}, nil
}

// queueTask enqueues one task mutation for the scheduler to replay.
func (s *Service) queueTask(task *models.Task, created bool, tenantID string) error {
	action := queue.ActionUpdate
	if created {
		action = queue.ActionCreate
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "encode task", err)
	}
	_, err = s.queue.Enqueue(action, models.TableTasks, task.ID, payload, tenantID)
	return err
}

// writeThrough upserts rows in batches. Any failure queues every row from
// the failed batch onward and returns the error: queued does not mean
// applied, so callers see the rejection while the scheduler retries.
// Upserts are idempotent, so a replay overlapping an applied batch
// converges. An unavailable remote store queues everything.
func (s *Service) writeThrough(ctx context.Context, table models.Table, rows []mapper.Row, pendings []pending, tenantID string) error {
	if len(rows) == 0 {
		return nil
	}
	if s.remote == nil {
		return s.handleWriteFailure(table, pendings, tenantID,
			errors.New(errors.ErrSyncOffline, "remote store unavailable"))
	}

	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}

		if err := s.remote.Upsert(ctx, table.String(), rows[start:end]); err != nil {
			return s.handleWriteFailure(table, pendings[start:], tenantID, err)
		}
	}
	return nil
}

// handleWriteFailure classifies an upsert failure, queues the unwritten
// mutations for retry, and surfaces the original error. Permission denials
// emit the debounced user notification; schema rejections (unknown column)
// log with elevated detail. Both still retry until the ceiling, since the
// server-side policy or schema may be fixed before then.
func (s *Service) handleWriteFailure(table models.Table, unwritten []pending, tenantID string, err error) error {
	switch {
	case IsPermissionError(err):
		s.permissions.Notify(err)
	case errors.Is(err, errors.ErrValidation):
		s.logger.Error("Remote rejected write, check schema columns", err,
			map[string]interface{}{"table": table.String()})
	}

	for _, p := range unwritten {
		if _, qerr := s.queue.Enqueue(p.action, table, p.id, p.payload, tenantID); qerr != nil {
			return qerr
		}
	}

	s.logger.Warn("Write failed, mutations queued for retry",
		map[string]interface{}{
			"table":  table.String(),
			"queued": len(unwritten),
			"error":  err.Error(),
		})
	return err
}

// checkReference rejects a foreign reference that is still a client-minted
// placeholder. Reference patching is the caller's job (through the
// reconciliation map); a temporary ID that survived it would be persisted
// dangling, unresolvable by any other client.
func checkReference(table models.Table, field, id string) error {
	if id == "" || !reconcile.IsTemporary(table, id) {
		return nil
	}
	return errors.New(errors.ErrInvalid,
		fmt.Sprintf("unresolved temporary %s reference %q", field, id))
}

// checkTaskReferences validates every foreign reference a task row carries.
func checkTaskReferences(t *models.Task) error {
	if err := checkReference(models.TableProjects, "project", t.ProjectID); err != nil {
		return err
	}
	for _, dep := range t.Dependencies {
		if err := checkReference(models.TableTasks, "dependency", dep); err != nil {
			return err
		}
	}
	for _, a := range t.Allocations {
		if err := checkReference(models.TableResources, "resource", a.ResourceID); err != nil {
			return err
		}
	}
	return nil
}

// shouldQueue reports whether a failure means the remote is unreachable
// rather than rejecting the request.
func shouldQueue(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrNetwork, errors.ErrTimeout, errors.ErrSyncOffline:
		return true
	}
	return false
}

// actionFor distinguishes a create (temporary ID being promoted) from an
// update for queue bookkeeping.
func actionFor(table models.Table, id string) queue.Action {
	if reconcile.IsTemporary(table, id) {
		return queue.ActionCreate
	}
	return queue.ActionUpdate
}

// stampRow applies the write metadata the engine maintains on
// conflict-sensitive rows.
func stampRow(row mapper.Row, updatedAt string, version int, actorID string) {
	row["updated_at"] = updatedAt
	row["version_number"] = version
	row["last_modified_by"] = actorID
}
