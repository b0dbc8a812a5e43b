package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/syncserver/internal/logging"
	"github.com/dmitrijs2005/syncserver/internal/server/accounts"
	"github.com/dmitrijs2005/syncserver/internal/server/cloudstorage"
	"github.com/dmitrijs2005/syncserver/internal/server/config"
	"github.com/dmitrijs2005/syncserver/internal/server/locks"
	"github.com/dmitrijs2005/syncserver/internal/server/models"
	"github.com/dmitrijs2005/syncserver/internal/server/resolvers"
	"github.com/stretchr/testify/require"
)

const folder = "Sync"

type fixture struct {
	t            *testing.T
	mock         sqlmock.Sqlmock
	store        *memStore
	storage      *cloudstorage.Memory
	creds        *accounts.Resolver
	sharing      *SharingService
	intake       *IntakeService
	orchestrator *OrchestratorService
	sweeper      *SweeperService
	clock        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, mock := newSQLMockDB(t)
	st := newMemStore()
	m := &fakeRepoManager{st: st}
	cfg := &config.Config{
		LockTTL:                time.Minute,
		StaleVersionExpiry:     time.Hour,
		StaleVersionBatchLimit: 10,
	}
	storage := cloudstorage.NewMemory()
	creds := accounts.NewResolver(m.Users(db), storage, folder)
	registry := resolvers.DefaultRegistry()
	logger := logging.Discard()

	f := &fixture{
		t:       t,
		mock:    mock,
		store:   st,
		storage: storage,
		creds:   creds,
		clock:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return f.clock }
	run := st.txRunner(db)

	f.sharing = NewSharingService(db, m, cfg, logger)
	f.sharing.runTx, f.sharing.now = run, now

	f.intake = NewIntakeService(db, m, f.sharing, registry, creds, logger)
	f.intake.runTx, f.intake.now = run, now

	f.orchestrator = NewOrchestratorService(db, m, cfg, registry, creds, locks.NewDBLocker(m.Locks(db)), nil, logger)
	f.orchestrator.runTx, f.orchestrator.now = run, now

	f.sweeper = NewSweeperService(db, m, cfg, creds, nil, logger)
	f.sweeper.now = now

	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet sql expectations: %v", err)
		}
	})
	return f
}

func (f *fixture) commits(n int) {
	for range n {
		f.mock.ExpectBegin()
		f.mock.ExpectCommit()
	}
}

func (f *fixture) rollback() {
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()
}

func (f *fixture) seedUser(id int64, cloudFolder string) {
	f.store.users[id] = &models.User{ID: id, Username: "user", CloudFolderName: cloudFolder}
}

func (f *fixture) seedGroup(sg string, members ...*models.SharingGroupUser) {
	f.store.groups[sg] = &models.SharingGroup{SharingGroupUUID: sg, Name: sg}
	f.store.versions[sg] = 0
	for _, m := range members {
		m.ID = f.store.nextID()
		f.store.members = append(f.store.members, m)
	}
}

func member(sg string, userID int64, p models.Permission, owner *int64) *models.SharingGroupUser {
	return &models.SharingGroupUser{SharingGroupUUID: sg, UserID: userID, Permission: p, OwningUserID: owner}
}

func ptr[T any](v T) *T { return &v }

func (f *fixture) masterVersion(sg string) int64 {
	return f.store.versions[sg]
}

func (f *fixture) file(sg, fileUUID string) *models.FileIndex {
	f.t.Helper()
	for _, fi := range f.store.files {
		if fi.SharingGroupUUID == sg && fi.FileUUID == fileUUID {
			cp := *fi
			return &cp
		}
	}
	f.t.Fatalf("file %s/%s not found", sg, fileUUID)
	return nil
}

func (f *fixture) object(key string) string {
	f.t.Helper()
	data, err := f.storage.Download(context.Background(), key, cloudstorage.Options{})
	require.NoError(f.t, err, "object %s", key)
	return string(data)
}

func (f *fixture) v0Request(sg, fg, fileUUID string, userID int64, device, resolver string, contents string) UploadRequest {
	return UploadRequest{
		UserID:             userID,
		DeviceUUID:         device,
		SharingGroupUUID:   sg,
		FileGroupUUID:      fg,
		FileUUID:           fileUUID,
		MasterVersion:      f.masterVersion(sg),
		MimeType:           "text/plain",
		ChangeResolverName: &resolver,
		ObjectType:         "note",
		Contents:           []byte(contents),
		CheckSum:           cloudstorage.Checksum([]byte(contents)),
	}
}

func (f *fixture) uploadV0(sg, fg, fileUUID string, userID int64, device, resolver string, contents string) {
	f.t.Helper()
	f.commits(1)
	res, err := f.intake.UploadFile(context.Background(), f.v0Request(sg, fg, fileUUID, userID, device, resolver, contents))
	require.NoError(f.t, err)
	require.Equal(f.t, UploadStatusSuccess, res.Status)
}

func (f *fixture) change(sg, fileUUID string, userID int64, device string, version int64, record string) *UploadResult {
	f.t.Helper()
	f.commits(1)
	res, err := f.intake.UploadFile(context.Background(), UploadRequest{
		UserID:           userID,
		DeviceUUID:       device,
		SharingGroupUUID: sg,
		FileUUID:         fileUUID,
		MasterVersion:    f.masterVersion(sg),
		FileVersion:      version,
		MimeType:         "text/plain",
		Contents:         []byte(record),
		CheckSum:         cloudstorage.Checksum([]byte(record)),
	})
	require.NoError(f.t, err)
	require.Equal(f.t, UploadStatusSuccess, res.Status)
	return res
}

func (f *fixture) pending() []*models.DeferredUpload {
	f.t.Helper()
	dus, err := (&memDeferred{f.store}).ListPending(context.Background(), 100)
	require.NoError(f.t, err)
	return dus
}
