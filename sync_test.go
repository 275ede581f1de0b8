package projexsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/projexhq/projex-sync/internal/errors"
	"github.com/projexhq/projex-sync/internal/mapper"
	"github.com/projexhq/projex-sync/internal/models"
	"github.com/projexhq/projex-sync/internal/queue"
	"github.com/projexhq/projex-sync/internal/reconcile"
)

func TestSyncProjectsPromotesTempIDs(t *testing.T) {
	rem := &fakeRemote{}
	s := newTestService(t, rem)

	p := &models.Project{ID: "p-1", Name: "Tower A", Location: "Lisbon", StartDate: "2026-01-01", EndDate: "2026-06-01"}
	idMap, err := s.SyncProjects(context.Background(), []*models.Project{p}, "tenant-1")
	if err != nil {
		t.Fatalf("SyncProjects failed: %v", err)
	}

	promoted, ok := idMap["p-1"]
	if !ok {
		t.Fatal("temporary id missing from reconciliation map")
	}
	if !reconcile.IsPermanent(promoted) {
		t.Errorf("promoted id %q is not a UUID", promoted)
	}
	if p.ID != promoted {
		t.Errorf("entity id not patched in place: %q", p.ID)
	}

	rows := rem.upserted()
	if len(rows) != 1 || rows[0]["id"] != promoted {
		t.Errorf("remote row id = %v, want %q", rows[0]["id"], promoted)
	}
}

func TestSyncProjectsPermanentIDsUnchanged(t *testing.T) {
	rem := &fakeRemote{}
	s := newTestService(t, rem)

	id := reconcile.NewID()
	p := &models.Project{ID: id, Name: "Tower A", Location: "Lisbon", StartDate: "2026-01-01", EndDate: "2026-06-01"}
	idMap, err := s.SyncProjects(context.Background(), []*models.Project{p}, "tenant-1")
	if err != nil {
		t.Fatalf("SyncProjects failed: %v", err)
	}

	if len(idMap) != 0 {
		t.Errorf("reconciliation map not empty for permanent ids: %v", idMap)
	}
	if p.ID != id {
		t.Errorf("permanent id mutated: %q", p.ID)
	}
}

func TestSyncTasksPatchesInBatchDependencies(t *testing.T) {
	rem := &fakeRemote{}
	s := newTestService(t, rem)

	t1 := &models.Task{ID: "task-1", ProjectID: "p1", Name: "Excavation"}
	t2 := &models.Task{ID: "task-2", ProjectID: "p1", Name: "Foundations", Dependencies: []string{"task-1"}}

	idMap, err := s.SyncTasks(context.Background(), []*models.Task{t1, t2}, "user-1", "tenant-1")
	if err != nil {
		t.Fatalf("SyncTasks failed: %v", err)
	}

	if t2.Dependencies[0] != idMap["task-1"] {
		t.Errorf("in-batch dependency not patched: %q", t2.Dependencies[0])
	}
	if t1.UpdatedAt == "" || t1.LastModifiedBy != "user-1" || t1.VersionNumber < 1 {
		t.Errorf("write metadata not stamped: %+v", t1)
	}

	rows := rem.upserted()
	if rows[0]["updated_at"] != t1.UpdatedAt || rows[0]["last_modified_by"] != "user-1" {
		t.Errorf("row metadata = updated_at:%v last_modified_by:%v", rows[0]["updated_at"], rows[0]["last_modified_by"])
	}
}

func TestWriteFailureQueuesOnNetworkError(t *testing.T) {
	rem := &fakeRemote{err: errors.New(errors.ErrNetwork, "unreachable")}
	s := newTestService(t, rem)

	p := &models.Project{ID: "p-1", Name: "Tower A", Location: "Lisbon", StartDate: "2026-01-01", EndDate: "2026-06-01"}
	idMap, err := s.SyncProjects(context.Background(), []*models.Project{p}, "tenant-1")
	if !errors.Is(err, errors.ErrNetwork) {
		t.Fatalf("err = %v, want NETWORK_ERROR; queued is not applied", err)
	}
	if len(idMap) != 1 {
		t.Errorf("reconciliation map = %v", idMap)
	}

	if s.QueueSize() != 1 {
		t.Fatalf("QueueSize = %d, want 1", s.QueueSize())
	}
	item := s.PendingMutations()[0]
	if item.Table != models.TableProjects || item.Action != queue.ActionCreate {
		t.Errorf("queued item = %+v", item)
	}
	if item.TenantID != "tenant-1" {
		t.Errorf("queued tenant = %q", item.TenantID)
	}
}

func TestSyncProjectsUnavailableStoreQueuesAndRejects(t *testing.T) {
	s := newTestService(t, nil)

	p := &models.Project{ID: "p-1700000000", Name: "Tower A", Location: "Lisbon", StartDate: "2026-01-01", EndDate: "2026-06-01"}
	idMap, err := s.SyncProjects(context.Background(), []*models.Project{p}, "tenant-1")
	if !errors.Is(err, errors.ErrSyncOffline) {
		t.Fatalf("err = %v, want SYNC_OFFLINE", err)
	}
	if !reconcile.IsPermanent(idMap["p-1700000000"]) {
		t.Errorf("temporary id not promoted: %v", idMap)
	}

	if s.QueueSize() != 1 {
		t.Fatalf("QueueSize = %d, want 1", s.QueueSize())
	}
	item := s.PendingMutations()[0]
	if item.Table != models.TableProjects || item.Action != queue.ActionCreate {
		t.Errorf("queued item = %+v", item)
	}
}

func TestSyncTaskUnavailableStoreQueuesAndRejects(t *testing.T) {
	s := newTestService(t, nil)

	task := &models.Task{ID: "task-1", ProjectID: "p1", Name: "Foundations"}
	res, err := s.SyncTask(context.Background(), task, "user-1", "tenant-1")
	if !errors.Is(err, errors.ErrSyncOffline) {
		t.Fatalf("err = %v, want SYNC_OFFLINE", err)
	}
	if res != nil {
		t.Errorf("failed write returned a result: %+v", res)
	}
	if s.QueueSize() != 1 {
		t.Errorf("QueueSize = %d, want 1", s.QueueSize())
	}
}

func TestDeleteEntityUnavailableStoreQueuesAndRejects(t *testing.T) {
	s := newTestService(t, nil)

	err := s.DeleteEntity(context.Background(), models.TableRoles, "r1", "tenant-1")
	if !errors.Is(err, errors.ErrSyncOffline) {
		t.Fatalf("err = %v, want SYNC_OFFLINE", err)
	}
	if s.QueueSize() != 1 {
		t.Errorf("QueueSize = %d, want 1", s.QueueSize())
	}
}

func TestValidationFailureQueuesAndSurfaces(t *testing.T) {
	rem := &fakeRemote{err: errors.New(errors.ErrValidation, "column tasks.foo does not exist")}
	s := newTestService(t, rem)

	p := &models.Project{ID: "p-1", Name: "Tower A", Location: "Lisbon", StartDate: "2026-01-01", EndDate: "2026-06-01"}
	_, err := s.SyncProjects(context.Background(), []*models.Project{p}, "tenant-1")
	if !errors.Is(err, errors.ErrValidation) {
		t.Errorf("err = %v, want VALIDATION_ERROR", err)
	}
	// Schema drift retries like any other remote failure.
	if s.QueueSize() != 1 {
		t.Errorf("QueueSize = %d, want 1", s.QueueSize())
	}
}

func TestPermissionFailureNotifiesAndSurfaces(t *testing.T) {
	rem := &fakeRemote{err: errors.New(errors.ErrPermission, "rls denial")}
	s := newTestService(t, rem)

	notified := make(chan string, 1)
	s.OnPermissionDenied(func(msg string) { notified <- msg })

	p := &models.Project{ID: "p-1", Name: "Tower A", Location: "Lisbon", StartDate: "2026-01-01", EndDate: "2026-06-01"}
	_, err := s.SyncProjects(context.Background(), []*models.Project{p}, "tenant-1")
	if !errors.Is(err, errors.ErrPermission) {
		t.Fatalf("err = %v, want PERMISSION_DENIED", err)
	}
	// Denied writes still retry; the policy may be fixed server-side.
	if s.QueueSize() != 1 {
		t.Errorf("QueueSize = %d, want 1", s.QueueSize())
	}

	select {
	case msg := <-notified:
		if msg == "" {
			t.Error("empty permission message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("permission callback never invoked")
	}
}

func TestBatchesSplitAtLimit(t *testing.T) {
	rem := &fakeRemote{}
	s := newTestService(t, rem)

	projects := make([]*models.Project, 0, batchSize+50)
	for i := 0; i < batchSize+50; i++ {
		projects = append(projects, &models.Project{
			ID:        reconcile.NewID(),
			Name:      "P",
			Location:  "x",
			StartDate: "2026-01-01",
			EndDate:   "2026-06-01",
		})
	}

	if _, err := s.SyncProjects(context.Background(), projects, "tenant-1"); err != nil {
		t.Fatalf("SyncProjects failed: %v", err)
	}

	if len(rem.upsertCalls) != 2 {
		t.Fatalf("upsert calls = %d, want 2", len(rem.upsertCalls))
	}
	if len(rem.upsertCalls[0]) != batchSize || len(rem.upsertCalls[1]) != 50 {
		t.Errorf("batch sizes = %d, %d", len(rem.upsertCalls[0]), len(rem.upsertCalls[1]))
	}
}

func TestSyncTaskConflictAbortsWithoutMutation(t *testing.T) {
	// Remote head is strictly newer than the local timestamp.
	rem := &fakeRemote{singleRow: mapper.Row{"updated_at": "2026-01-01T10:00:05Z", "version_number": float64(7)}}
	s := newTestService(t, rem)

	task := &models.Task{
		ID:            reconcile.NewID(),
		ProjectID:     "p1",
		Name:          "Foundations",
		UpdatedAt:     "2026-01-01T10:00:00Z",
		VersionNumber: 6,
	}

	res, err := s.SyncTask(context.Background(), task, "user-1", "tenant-1")
	if err != nil {
		t.Fatalf("SyncTask failed: %v", err)
	}
	if res.Conflict == nil || !res.Conflict.HasConflict {
		t.Fatal("newer remote head must surface as conflict")
	}
	if res.Task != nil {
		t.Error("conflicted result must not carry a written task")
	}

	// The aborted write mutates nothing.
	if task.UpdatedAt != "2026-01-01T10:00:00Z" || task.VersionNumber != 6 {
		t.Errorf("task mutated on conflict: %+v", task)
	}
	if len(rem.upserted()) != 0 {
		t.Error("conflicted write reached the remote")
	}
}

func TestSyncTaskStampsAndWrites(t *testing.T) {
	// Remote head is older, so the write proceeds.
	rem := &fakeRemote{singleRow: mapper.Row{"updated_at": "2026-01-01T09:00:00Z", "version_number": float64(2)}}
	s := newTestService(t, rem)

	task := &models.Task{
		ID:            reconcile.NewID(),
		ProjectID:     "p1",
		Name:          "Foundations",
		UpdatedAt:     "2026-01-01T10:00:00Z",
		VersionNumber: 2,
	}

	res, err := s.SyncTask(context.Background(), task, "user-1", "tenant-1")
	if err != nil {
		t.Fatalf("SyncTask failed: %v", err)
	}
	if res.Conflict != nil {
		t.Fatal("older remote head reported as conflict")
	}

	if res.Task.VersionNumber != 3 {
		t.Errorf("VersionNumber = %d, want 3", res.Task.VersionNumber)
	}
	if res.Task.UpdatedAt != testNow.Format(time.RFC3339) {
		t.Errorf("UpdatedAt = %q", res.Task.UpdatedAt)
	}
	if res.Task.LastModifiedBy != "user-1" {
		t.Errorf("LastModifiedBy = %q", res.Task.LastModifiedBy)
	}

	rows := rem.upserted()
	if len(rows) != 1 || rows[0]["version_number"] != 3 {
		t.Errorf("remote version_number = %v", rows[0]["version_number"])
	}
}

func TestSyncTaskFirstWriteSkipsConflictCheck(t *testing.T) {
	rem := &fakeRemote{}
	s := newTestService(t, rem)

	task := &models.Task{ID: "task-1700000000", ProjectID: "p1", Name: "Foundations"}
	res, err := s.SyncTask(context.Background(), task, "user-1", "tenant-1")
	if err != nil {
		t.Fatalf("SyncTask failed: %v", err)
	}
	if res.Conflict != nil {
		t.Fatal("fresh task reported conflict")
	}
	if !reconcile.IsPermanent(res.Task.ID) {
		t.Errorf("temp id not promoted: %q", res.Task.ID)
	}
	if res.Task.VersionNumber != 1 {
		t.Errorf("first write VersionNumber = %d, want 1", res.Task.VersionNumber)
	}
}

func TestSyncTaskQueuesWhenOffline(t *testing.T) {
	rem := &fakeRemote{err: errors.New(errors.ErrTimeout, "slow network")}
	s := newTestService(t, rem)

	task := &models.Task{ID: "task-1", ProjectID: "p1", Name: "Foundations"}
	res, err := s.SyncTask(context.Background(), task, "user-1", "tenant-1")
	if !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("err = %v, want TIMEOUT", err)
	}
	if res != nil {
		t.Errorf("failed write returned a result: %+v", res)
	}
	if s.QueueSize() != 1 {
		t.Errorf("QueueSize = %d, want 1", s.QueueSize())
	}
	// The task keeps its promoted ID and stamps for the replay.
	if !reconcile.IsPermanent(task.ID) || task.VersionNumber != 1 {
		t.Errorf("task not prepared for replay: id=%q version=%d", task.ID, task.VersionNumber)
	}
}

func TestSyncTasksRejectsDanglingProjectReference(t *testing.T) {
	rem := &fakeRemote{}
	s := newTestService(t, rem)

	// The project reference is a placeholder not present in this batch, so
	// no reconciliation pair can ever patch it.
	task := &models.Task{ID: "task-1", ProjectID: "p-1700000000", Name: "Excavation"}
	_, err := s.SyncTasks(context.Background(), []*models.Task{task}, "user-1", "tenant-1")
	if !errors.Is(err, errors.ErrInvalid) {
		t.Fatalf("err = %v, want INVALID_INPUT", err)
	}
	if len(rem.upserted()) != 0 {
		t.Error("dangling reference reached the remote")
	}
	if s.QueueSize() != 0 {
		t.Errorf("dangling reference was queued, QueueSize = %d", s.QueueSize())
	}
}

func TestSyncTasksRejectsDanglingDependency(t *testing.T) {
	rem := &fakeRemote{}
	s := newTestService(t, rem)

	task := &models.Task{
		ID:           reconcile.NewID(),
		ProjectID:    "p1",
		Name:         "Foundations",
		Dependencies: []string{"task-1700000099"},
	}
	_, err := s.SyncTasks(context.Background(), []*models.Task{task}, "user-1", "tenant-1")
	if !errors.Is(err, errors.ErrInvalid) {
		t.Fatalf("err = %v, want INVALID_INPUT", err)
	}
	if len(rem.upserted()) != 0 {
		t.Error("dangling dependency reached the remote")
	}
}

func TestSyncDailyLogsRejectsDanglingReferences(t *testing.T) {
	rem := &fakeRemote{}
	s := newTestService(t, rem)

	l := &models.DailyLog{ID: "log-1", ProjectID: "p-1700000000", Date: "2026-01-02", UserID: "user-1"}
	if _, err := s.SyncDailyLogs(context.Background(), []*models.DailyLog{l}, "tenant-1"); !errors.Is(err, errors.ErrInvalid) {
		t.Fatalf("err = %v, want INVALID_INPUT", err)
	}

	l2 := &models.DailyLog{
		ID:        "log-2",
		ProjectID: "p1",
		Date:      "2026-01-02",
		UserID:    "user-1",
		Progress:  []models.TaskProgress{{TaskID: "task-1700000099", Quantity: 2}},
	}
	if _, err := s.SyncDailyLogs(context.Background(), []*models.DailyLog{l2}, "tenant-1"); !errors.Is(err, errors.ErrInvalid) {
		t.Fatalf("err = %v, want INVALID_INPUT", err)
	}
	if len(rem.upserted()) != 0 {
		t.Error("dangling reference reached the remote")
	}
}

func TestSyncTenantsEmptyReconciliationMap(t *testing.T) {
	rem := &fakeRemote{}
	s := newTestService(t, rem)

	tn := &models.Tenant{ID: reconcile.NewID(), Name: "Acme", PlanID: "PRO"}
	idMap, err := s.SyncTenants(context.Background(), []*models.Tenant{tn})
	if err != nil {
		t.Fatalf("SyncTenants failed: %v", err)
	}
	if len(idMap) != 0 {
		t.Errorf("idMap = %v, tenants never carry temp ids", idMap)
	}
	rows := rem.upserted()
	if len(rows) != 1 || rows[0]["planId"] != "PRO" {
		t.Errorf("tenant row = %v", rows)
	}
}

func TestSyncUsersTwoPhaseCreate(t *testing.T) {
	rem := &fakeRemote{}
	s := newTestService(t, rem)
	auth := &fakeAuth{identityID: "identity-42"}
	s.auth = auth

	u := &models.User{ID: "temp-1", Email: "ana@acme.pt", Name: "Ana", Password: "pw", Role: "ADMIN"}
	idMap, err := s.SyncUsers(context.Background(), []*models.User{u}, "tenant-1")
	if err != nil {
		t.Fatalf("SyncUsers failed: %v", err)
	}

	if auth.calls != 1 {
		t.Errorf("EnsureIdentity calls = %d, want 1", auth.calls)
	}
	if idMap["temp-1"] != "identity-42" {
		t.Errorf("idMap = %v, want temp-1 -> identity-42", idMap)
	}
	if u.ID != "identity-42" || u.Password != "" {
		t.Errorf("user not finalized: id=%q password=%q", u.ID, u.Password)
	}

	rows := rem.upserted()
	if len(rows) != 1 || rows[0]["id"] != "identity-42" {
		t.Errorf("profile row = %v", rows)
	}
}

func TestSyncUsersQueuesCreateWhenIdentityEndpointDown(t *testing.T) {
	rem := &fakeRemote{}
	s := newTestService(t, rem)
	s.auth = &fakeAuth{err: errors.New(errors.ErrNetwork, "auth endpoint down")}

	u := &models.User{ID: "temp-1", Email: "ana@acme.pt", Password: "pw"}
	_, err := s.SyncUsers(context.Background(), []*models.User{u}, "tenant-1")
	if !errors.Is(err, errors.ErrNetwork) {
		t.Fatalf("err = %v, want NETWORK_ERROR", err)
	}

	if s.QueueSize() != 1 {
		t.Fatalf("QueueSize = %d, want 1", s.QueueSize())
	}
	item := s.PendingMutations()[0]
	if item.Action != queue.ActionCreate || item.Table != models.TableUsers {
		t.Errorf("queued item = %+v", item)
	}
	// The password must survive into the payload so the replay can run the
	// identity phase.
	var queued models.User
	if err := json.Unmarshal(item.Payload, &queued); err != nil {
		t.Fatalf("decode queued user: %v", err)
	}
	if queued.Password != "pw" {
		t.Error("queued user lost its transient password")
	}
}

func TestSyncUsersExistingUserSkipsIdentityPhase(t *testing.T) {
	rem := &fakeRemote{}
	s := newTestService(t, rem)
	auth := &fakeAuth{identityID: "never"}
	s.auth = auth

	u := &models.User{ID: reconcile.NewID(), Email: "ana@acme.pt"}
	if _, err := s.SyncUsers(context.Background(), []*models.User{u}, "tenant-1"); err != nil {
		t.Fatalf("SyncUsers failed: %v", err)
	}

	if auth.calls != 0 {
		t.Errorf("EnsureIdentity called %d times for an existing user", auth.calls)
	}
}

func TestDeleteEntityQueuesOnNetworkError(t *testing.T) {
	rem := &fakeRemote{err: errors.New(errors.ErrNetwork, "unreachable")}
	s := newTestService(t, rem)

	err := s.DeleteEntity(context.Background(), models.TableRoles, "r1", "tenant-1")
	if !errors.Is(err, errors.ErrNetwork) {
		t.Fatalf("err = %v, want NETWORK_ERROR", err)
	}
	if s.QueueSize() != 1 {
		t.Fatalf("QueueSize = %d, want 1", s.QueueSize())
	}
	if s.PendingMutations()[0].Action != queue.ActionDelete {
		t.Errorf("queued action = %s", s.PendingMutations()[0].Action)
	}
}

func TestDeleteEntityNotFoundIsSuccess(t *testing.T) {
	rem := &fakeRemote{err: errors.New(errors.ErrNotFound, "already gone")}
	s := newTestService(t, rem)

	if err := s.DeleteEntity(context.Background(), models.TableRoles, "r1", "tenant-1"); err != nil {
		t.Errorf("deleting an absent row must succeed, got %v", err)
	}
	if s.QueueSize() != 0 {
		t.Errorf("QueueSize = %d, want 0", s.QueueSize())
	}
}

func TestSyncRolesWritesThroughUpsertRole(t *testing.T) {
	rem := &fakeRemote{}
	s := newTestService(t, rem)

	role := &models.RoleDefinition{ID: "r1", Name: "Foreman", StdHours: 8}
	if err := s.UpsertRole(context.Background(), role, "tenant-1"); err != nil {
		t.Fatalf("UpsertRole failed: %v", err)
	}

	rows := rem.upserted()
	if len(rows) != 1 || rows[0]["std_hours"] != 8.0 || rows[0]["stdHours"] != 8.0 {
		t.Errorf("role row = %v", rows)
	}
}
