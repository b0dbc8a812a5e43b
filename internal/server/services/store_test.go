package services

import (
	"context"
	"database/sql"
	"maps"
	"slices"
	"sort"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/syncserver/internal/common"
	"github.com/dmitrijs2005/syncserver/internal/dbx"
	"github.com/dmitrijs2005/syncserver/internal/server/models"
	"github.com/dmitrijs2005/syncserver/internal/server/repositories/deferreduploads"
	"github.com/dmitrijs2005/syncserver/internal/server/repositories/filegroups"
	"github.com/dmitrijs2005/syncserver/internal/server/repositories/fileindex"
	"github.com/dmitrijs2005/syncserver/internal/server/repositories/locks"
	"github.com/dmitrijs2005/syncserver/internal/server/repositories/masterversions"
	"github.com/dmitrijs2005/syncserver/internal/server/repositories/sharinggroups"
	"github.com/dmitrijs2005/syncserver/internal/server/repositories/sharinggroupusers"
	"github.com/dmitrijs2005/syncserver/internal/server/repositories/staleversions"
	"github.com/dmitrijs2005/syncserver/internal/server/repositories/uploads"
	"github.com/dmitrijs2005/syncserver/internal/server/repositories/users"
)

// memStore backs every repository with plain slices and maps. The tx
// runner snapshots it before a transaction and restores the snapshot on
// rollback, so services see the same all-or-nothing behaviour as with
// PostgreSQL.
type memStore struct {
	seq        int64
	users      map[int64]*models.User
	groups     map[string]*models.SharingGroup
	members    []*models.SharingGroupUser
	fileGroups map[string]*models.FileGroup
	files      []*models.FileIndex
	uploads    []*models.Upload
	deferred   []*models.DeferredUpload
	versions   map[string]int64
	stale      []*models.StaleVersion
	locks      map[string]*models.Lock

	// claimed holds deferred upload rows locked by an open transaction.
	claimed map[int64]bool
	// events records row locks and counter bumps in the order taken.
	events []string

	failures map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		users:      map[int64]*models.User{},
		groups:     map[string]*models.SharingGroup{},
		fileGroups: map[string]*models.FileGroup{},
		versions:   map[string]int64{},
		locks:      map[string]*models.Lock{},
		claimed:    map[int64]bool{},
		failures:   map[string]error{},
	}
}

func (st *memStore) nextID() int64 {
	st.seq++
	return st.seq
}

func (st *memStore) fail(op string, err error) { st.failures[op] = err }

func (st *memStore) failure(op string) error { return st.failures[op] }

func cloneMap[K comparable, V any](m map[K]*V) map[K]*V {
	out := make(map[K]*V, len(m))
	for k, v := range m {
		cp := *v
		out[k] = &cp
	}
	return out
}

func cloneSlice[V any](s []*V) []*V {
	out := make([]*V, len(s))
	for i, v := range s {
		cp := *v
		out[i] = &cp
	}
	return out
}

func (st *memStore) snapshot() memStore {
	return memStore{
		seq:        st.seq,
		users:      cloneMap(st.users),
		groups:     cloneMap(st.groups),
		members:    cloneSlice(st.members),
		fileGroups: cloneMap(st.fileGroups),
		files:      cloneSlice(st.files),
		uploads:    cloneSlice(st.uploads),
		deferred:   cloneSlice(st.deferred),
		versions:   maps.Clone(st.versions),
		stale:      cloneSlice(st.stale),
		locks:      cloneMap(st.locks),
		failures:   st.failures,
	}
}

// txRunner runs fn in a sqlmock transaction and rolls the store back when
// fn fails.
func (st *memStore) txRunner(db *sql.DB) txRunner {
	return func(ctx context.Context, fn dbx.TxFunc) error {
		snap := st.snapshot()
		held := maps.Clone(st.claimed)
		err := dbx.WithTx(ctx, db, nil, fn)
		if err != nil {
			events := st.events
			*st = snap
			st.events = events
		}
		st.claimed = held
		return err
	}
}

type fakeRepoManager struct{ st *memStore }

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *fakeRepoManager) Users(dbx.DBTX) users.Repository              { return &memUsers{m.st} }
func (m *fakeRepoManager) SharingGroups(dbx.DBTX) sharinggroups.Repository {
	return &memSharingGroups{m.st}
}
func (m *fakeRepoManager) SharingGroupUsers(dbx.DBTX) sharinggroupusers.Repository {
	return &memMembers{m.st}
}
func (m *fakeRepoManager) FileGroups(dbx.DBTX) filegroups.Repository { return &memFileGroups{m.st} }
func (m *fakeRepoManager) FileIndex(dbx.DBTX) fileindex.Repository   { return &memFiles{m.st} }
func (m *fakeRepoManager) Uploads(dbx.DBTX) uploads.Repository       { return &memUploads{m.st} }
func (m *fakeRepoManager) DeferredUploads(dbx.DBTX) deferreduploads.Repository {
	return &memDeferred{m.st}
}
func (m *fakeRepoManager) MasterVersions(dbx.DBTX) masterversions.Repository {
	return &memVersions{m.st}
}
func (m *fakeRepoManager) StaleVersions(dbx.DBTX) staleversions.Repository { return &memStale{m.st} }
func (m *fakeRepoManager) Locks(dbx.DBTX) locks.Repository                 { return &memLocks{m.st} }

// --- users

type memUsers struct{ st *memStore }

func (r *memUsers) Create(_ context.Context, u *models.User) (*models.User, error) {
	cp := *u
	cp.ID = r.st.nextID()
	r.st.users[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *memUsers) GetByID(_ context.Context, id int64) (*models.User, error) {
	u, ok := r.st.users[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *u
	return &cp, nil
}

// --- sharing groups

type memSharingGroups struct{ st *memStore }

func (r *memSharingGroups) Create(_ context.Context, g *models.SharingGroup) error {
	if _, ok := r.st.groups[g.SharingGroupUUID]; ok {
		return common.ErrorAlreadyExists
	}
	cp := *g
	r.st.groups[g.SharingGroupUUID] = &cp
	return nil
}

func (r *memSharingGroups) Get(_ context.Context, sg string) (*models.SharingGroup, error) {
	g, ok := r.st.groups[sg]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *g
	return &cp, nil
}

func (r *memSharingGroups) MarkDeleted(_ context.Context, sg string) error {
	g, ok := r.st.groups[sg]
	if !ok {
		return common.ErrorNotFound
	}
	g.Deleted = true
	return nil
}

// --- members

type memMembers struct{ st *memStore }

func (r *memMembers) find(sg string, userID int64) *models.SharingGroupUser {
	for _, m := range r.st.members {
		if m.SharingGroupUUID == sg && m.UserID == userID {
			return m
		}
	}
	return nil
}

func (r *memMembers) Add(_ context.Context, member *models.SharingGroupUser) (*models.SharingGroupUser, error) {
	if m := r.find(member.SharingGroupUUID, member.UserID); m != nil {
		if !m.Deleted {
			return nil, common.ErrorAlreadyExists
		}
		m.Permission, m.OwningUserID, m.Deleted = member.Permission, member.OwningUserID, false
		cp := *m
		return &cp, nil
	}
	cp := *member
	cp.ID = r.st.nextID()
	r.st.members = append(r.st.members, &cp)
	out := cp
	return &out, nil
}

func (r *memMembers) GetActive(_ context.Context, sg string, userID int64) (*models.SharingGroupUser, error) {
	m := r.find(sg, userID)
	if m == nil || m.Deleted {
		return nil, common.ErrorNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *memMembers) ListActive(_ context.Context, sg string) ([]*models.SharingGroupUser, error) {
	var out []*models.SharingGroupUser
	for _, m := range r.st.members {
		if m.SharingGroupUUID == sg && !m.Deleted {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memMembers) CountActiveMembers(_ context.Context, sg string, userIDs []int64) (int, error) {
	n := 0
	for _, id := range userIDs {
		if m := r.find(sg, id); m != nil && !m.Deleted {
			n++
		}
	}
	return n, nil
}

func (r *memMembers) MarkDeleted(_ context.Context, sg string, userID int64) error {
	m := r.find(sg, userID)
	if m == nil || m.Deleted {
		return common.ErrorNotFound
	}
	m.Deleted = true
	return nil
}

func (r *memMembers) MarkAllDeleted(_ context.Context, sg string) (int64, error) {
	var n int64
	for _, m := range r.st.members {
		if m.SharingGroupUUID == sg && !m.Deleted {
			m.Deleted = true
			n++
		}
	}
	return n, nil
}

func (r *memMembers) ResetOwningUserIDs(_ context.Context, sg string, owner int64) (int64, error) {
	var n int64
	for _, m := range r.st.members {
		if m.SharingGroupUUID == sg && m.OwningUserID != nil && *m.OwningUserID == owner {
			m.OwningUserID = nil
			n++
		}
	}
	return n, nil
}

// --- file groups

type memFileGroups struct{ st *memStore }

func (r *memFileGroups) Create(_ context.Context, g *models.FileGroup) error {
	if _, ok := r.st.fileGroups[g.FileGroupUUID]; ok {
		return common.ErrorAlreadyExists
	}
	cp := *g
	r.st.fileGroups[g.FileGroupUUID] = &cp
	return nil
}

func (r *memFileGroups) Get(_ context.Context, fg string) (*models.FileGroup, error) {
	g, ok := r.st.fileGroups[fg]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *g
	return &cp, nil
}

func (r *memFileGroups) GetMany(_ context.Context, fgs []string) ([]*models.FileGroup, error) {
	var out []*models.FileGroup
	for _, fg := range fgs {
		if g, ok := r.st.fileGroups[fg]; ok {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memFileGroups) Move(_ context.Context, fgs []string, src, dst string) (int64, error) {
	var n int64
	for _, fg := range fgs {
		if g, ok := r.st.fileGroups[fg]; ok && g.SharingGroupUUID == src {
			g.SharingGroupUUID = dst
			n++
		}
	}
	return n, nil
}

func (r *memFileGroups) MarkDeleted(_ context.Context, fg string) error {
	g, ok := r.st.fileGroups[fg]
	if !ok {
		return common.ErrorNotFound
	}
	g.Deleted = true
	return nil
}

func (r *memFileGroups) MarkDeletedForUser(_ context.Context, sg string, userID int64) (int64, error) {
	var n int64
	for _, g := range r.st.fileGroups {
		if g.SharingGroupUUID != sg || g.Deleted {
			continue
		}
		owned := g.UserID == userID
		for _, fi := range r.st.files {
			if fi.FileGroupUUID == g.FileGroupUUID && fi.UserID == userID {
				owned = true
			}
		}
		if owned {
			g.Deleted = true
			n++
		}
	}
	return n, nil
}

func (r *memFileGroups) MarkDeletedInSharingGroup(_ context.Context, sg string) (int64, error) {
	var n int64
	for _, g := range r.st.fileGroups {
		if g.SharingGroupUUID == sg && !g.Deleted {
			g.Deleted = true
			n++
		}
	}
	return n, nil
}

// --- file index

type memFiles struct{ st *memStore }

func (r *memFiles) find(sg, fileUUID string) *models.FileIndex {
	for _, fi := range r.st.files {
		if fi.SharingGroupUUID == sg && fi.FileUUID == fileUUID {
			return fi
		}
	}
	return nil
}

func (r *memFiles) Create(_ context.Context, fi *models.FileIndex) (int64, error) {
	if r.find(fi.SharingGroupUUID, fi.FileUUID) != nil {
		return 0, common.ErrorAlreadyExists
	}
	cp := *fi
	cp.ID = r.st.nextID()
	r.st.files = append(r.st.files, &cp)
	return cp.ID, nil
}

func (r *memFiles) Get(_ context.Context, sg, fileUUID string) (*models.FileIndex, error) {
	fi := r.find(sg, fileUUID)
	if fi == nil {
		return nil, common.ErrorNotFound
	}
	cp := *fi
	return &cp, nil
}

func (r *memFiles) GetForUpdate(ctx context.Context, sg, fileUUID string) (*models.FileIndex, error) {
	return r.Get(ctx, sg, fileUUID)
}

func (r *memFiles) ListByFileGroup(_ context.Context, fg string) ([]*models.FileIndex, error) {
	var out []*models.FileIndex
	for _, fi := range r.st.files {
		if fi.FileGroupUUID == fg {
			cp := *fi
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memFiles) Update(_ context.Context, fi *models.FileIndex, expected int64) error {
	if err := r.st.failure("fileindex.Update"); err != nil {
		return err
	}
	for _, cur := range r.st.files {
		if cur.ID != fi.ID {
			continue
		}
		if cur.FileVersion != expected {
			return common.ErrVersionConflict
		}
		cur.FileVersion = fi.FileVersion
		cur.FileSizeBytes = fi.FileSizeBytes
		cur.LastUploadedCheckSum = fi.LastUploadedCheckSum
		cur.UpdateDate = fi.UpdateDate
		return nil
	}
	return common.ErrVersionConflict
}

func (r *memFiles) MarkDeleted(_ context.Context, id int64) error {
	for _, fi := range r.st.files {
		if fi.ID == id {
			fi.Deleted = true
			return nil
		}
	}
	return common.ErrorNotFound
}

func (r *memFiles) markWhere(match func(*models.FileIndex) bool) []*models.FileIndex {
	var out []*models.FileIndex
	for _, fi := range r.st.files {
		if !fi.Deleted && match(fi) {
			fi.Deleted = true
			cp := *fi
			out = append(out, &cp)
		}
	}
	return out
}

func (r *memFiles) MarkDeletedForUser(_ context.Context, sg string, userID int64) ([]*models.FileIndex, error) {
	return r.markWhere(func(fi *models.FileIndex) bool {
		if fi.SharingGroupUUID != sg {
			return false
		}
		g := r.st.fileGroups[fi.FileGroupUUID]
		return fi.UserID == userID || (g != nil && g.UserID == userID)
	}), nil
}

func (r *memFiles) MarkDeletedForSharingGroup(_ context.Context, sg string) ([]*models.FileIndex, error) {
	return r.markWhere(func(fi *models.FileIndex) bool { return fi.SharingGroupUUID == sg }), nil
}

func (r *memFiles) MoveFileGroups(_ context.Context, fgs []string, src, dst string) (int64, error) {
	var n int64
	for _, fi := range r.st.files {
		if fi.SharingGroupUUID == src && slices.Contains(fgs, fi.FileGroupUUID) {
			fi.SharingGroupUUID = dst
			n++
		}
	}
	return n, nil
}

// --- uploads

type memUploads struct{ st *memStore }

func (r *memUploads) Create(_ context.Context, u *models.Upload) (int64, error) {
	cp := *u
	cp.ID = r.st.nextID()
	r.st.uploads = append(r.st.uploads, &cp)
	return cp.ID, nil
}

func (r *memUploads) ListByDeferredUploadIDs(_ context.Context, ids []int64) ([]*models.Upload, error) {
	var out []*models.Upload
	for _, u := range r.st.uploads {
		if u.DeferredUploadID != nil && slices.Contains(ids, *u.DeferredUploadID) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memUploads) FindDuplicate(_ context.Context, u *models.Upload) (*models.Upload, error) {
	for _, cur := range r.st.uploads {
		if cur.SharingGroupUUID == u.SharingGroupUUID && cur.FileUUID == u.FileUUID &&
			cur.DeviceUUID == u.DeviceUUID && cur.FileVersion == u.FileVersion &&
			cur.CheckSum == u.CheckSum && cur.State == u.State {
			cp := *cur
			return &cp, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (r *memUploads) DeleteByIDs(_ context.Context, ids []int64) (int64, error) {
	if err := r.st.failure("uploads.DeleteByIDs"); err != nil {
		return 0, err
	}
	before := len(r.st.uploads)
	r.st.uploads = slices.DeleteFunc(r.st.uploads, func(u *models.Upload) bool { return slices.Contains(ids, u.ID) })
	return int64(before - len(r.st.uploads)), nil
}

func (r *memUploads) DeleteCompletedV0(_ context.Context, olderThan time.Time) (int64, error) {
	before := len(r.st.uploads)
	r.st.uploads = slices.DeleteFunc(r.st.uploads, func(u *models.Upload) bool {
		return u.State == models.UploadStateV0Completed && u.DeferredUploadID == nil && u.CreationDate.Before(olderThan)
	})
	return int64(before - len(r.st.uploads)), nil
}

func (r *memUploads) MoveFileGroups(_ context.Context, fgs []string, src, dst string) (int64, error) {
	var n int64
	for _, u := range r.st.uploads {
		if u.SharingGroupUUID == src && slices.Contains(fgs, u.FileGroupUUID) {
			u.SharingGroupUUID = dst
			n++
		}
	}
	return n, nil
}

// --- deferred uploads

type memDeferred struct{ st *memStore }

func (r *memDeferred) Create(_ context.Context, du *models.DeferredUpload) (int64, error) {
	cp := *du
	cp.ID = r.st.nextID()
	r.st.deferred = append(r.st.deferred, &cp)
	return cp.ID, nil
}

func (r *memDeferred) FindPending(_ context.Context, sg, fg string, status models.DeferredUploadStatus, batch *string) (*models.DeferredUpload, error) {
	for _, du := range r.st.deferred {
		sameBatch := (batch == nil && du.BatchUUID == nil) || (batch != nil && du.BatchUUID != nil && *batch == *du.BatchUUID)
		if du.SharingGroupUUID == sg && du.FileGroupUUID == fg && du.Status == status && sameBatch && !r.st.claimed[du.ID] {
			cp := *du
			return &cp, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (r *memDeferred) ListPending(_ context.Context, limit int) ([]*models.DeferredUpload, error) {
	var out []*models.DeferredUpload
	for _, du := range r.st.deferred {
		if len(out) == limit {
			break
		}
		if du.Status == models.DeferredUploadPendingChange || du.Status == models.DeferredUploadPendingDeletion {
			cp := *du
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memDeferred) LockByIDs(_ context.Context, ids []int64) ([]*models.DeferredUpload, error) {
	r.st.events = append(r.st.events, "deferred.lock")
	var out []*models.DeferredUpload
	for _, du := range r.st.deferred {
		if slices.Contains(ids, du.ID) {
			r.st.claimed[du.ID] = true
			cp := *du
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memDeferred) DeleteByIDs(_ context.Context, ids []int64) (int64, error) {
	before := len(r.st.deferred)
	r.st.deferred = slices.DeleteFunc(r.st.deferred, func(du *models.DeferredUpload) bool { return slices.Contains(ids, du.ID) })
	return int64(before - len(r.st.deferred)), nil
}

func (r *memDeferred) MoveFileGroups(_ context.Context, fgs []string, src, dst string) (int64, error) {
	var n int64
	for _, du := range r.st.deferred {
		if du.SharingGroupUUID == src && slices.Contains(fgs, du.FileGroupUUID) {
			du.SharingGroupUUID = dst
			n++
		}
	}
	return n, nil
}

// --- master versions

type memVersions struct{ st *memStore }

func (r *memVersions) Create(_ context.Context, sg string) error {
	if _, ok := r.st.versions[sg]; ok {
		return common.ErrorAlreadyExists
	}
	r.st.versions[sg] = 0
	return nil
}

func (r *memVersions) Get(_ context.Context, sg string) (int64, error) {
	v, ok := r.st.versions[sg]
	if !ok {
		return 0, common.ErrorNotFound
	}
	return v, nil
}

func (r *memVersions) GetForUpdate(ctx context.Context, sg string) (int64, error) {
	r.st.events = append(r.st.events, "version.lock")
	return r.Get(ctx, sg)
}

func (r *memVersions) Increment(_ context.Context, sg string) (int64, error) {
	if err := r.st.failure("masterversions.Increment"); err != nil {
		return 0, err
	}
	r.st.events = append(r.st.events, "version.increment")
	v, ok := r.st.versions[sg]
	if !ok {
		return 0, common.ErrorNotFound
	}
	r.st.versions[sg] = v + 1
	return v + 1, nil
}

// --- stale versions

type memStale struct{ st *memStore }

func (r *memStale) Create(_ context.Context, sv *models.StaleVersion) (int64, error) {
	cp := *sv
	cp.ID = r.st.nextID()
	r.st.stale = append(r.st.stale, &cp)
	return cp.ID, nil
}

func (r *memStale) ListExpired(_ context.Context, now time.Time, limit int) ([]*models.StaleVersion, error) {
	var out []*models.StaleVersion
	for _, sv := range r.st.stale {
		if sv.ExpiryDate.Before(now) {
			cp := *sv
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiryDate.Before(out[j].ExpiryDate) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memStale) DeleteByIDs(_ context.Context, ids []int64) (int64, error) {
	before := len(r.st.stale)
	r.st.stale = slices.DeleteFunc(r.st.stale, func(sv *models.StaleVersion) bool { return slices.Contains(ids, sv.ID) })
	return int64(before - len(r.st.stale)), nil
}

// --- locks

type memLocks struct{ st *memStore }

func (r *memLocks) Acquire(_ context.Context, l *models.Lock, now time.Time) (bool, error) {
	if cur, ok := r.st.locks[l.Resource]; ok && cur.Owner != l.Owner && cur.Expiry.After(now) {
		return false, nil
	}
	cp := *l
	r.st.locks[l.Resource] = &cp
	return true, nil
}

func (r *memLocks) Release(_ context.Context, resource, owner string) error {
	if cur, ok := r.st.locks[resource]; ok && cur.Owner == owner {
		delete(r.st.locks, resource)
	}
	return nil
}

func (r *memLocks) Get(_ context.Context, resource string) (*models.Lock, error) {
	cur, ok := r.st.locks[resource]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *cur
	return &cp, nil
}

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}
