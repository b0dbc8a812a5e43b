package services

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/dmitrijs2005/syncserver/internal/common"
	"github.com/dmitrijs2005/syncserver/internal/dbx"
	"github.com/dmitrijs2005/syncserver/internal/server/cloudstorage"
	"github.com/dmitrijs2005/syncserver/internal/server/models"
	"github.com/dmitrijs2005/syncserver/internal/server/resolvers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrchestratorFixture(t *testing.T) *fixture {
	f := newFixture(t)
	f.seedUser(1, "")
	f.seedUser(2, "")
	f.seedGroup("sg",
		member("sg", 1, models.PermissionAdmin, nil),
		member("sg", 2, models.PermissionWrite, nil),
	)
	return f
}

func TestApply_TwoDevicesAppendInSubmissionOrder(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.uploadV0("sg", "fg", "f1", 1, "dev0", resolvers.AppendResolverName, "Hello")

	f.change("sg", "f1", 1, "devA", 1, "A")
	f.change("sg", "f1", 2, "devB", 1, "B")
	require.Len(t, f.pending(), 2)

	f.commits(1)
	applied, err := f.orchestrator.ApplyPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	fi := f.file("sg", "f1")
	assert.Equal(t, int64(1), fi.FileVersion)
	assert.Equal(t, int64(len("HelloAB")), fi.FileSizeBytes)
	assert.Equal(t, cloudstorage.Checksum([]byte("HelloAB")), fi.LastUploadedCheckSum)
	assert.Equal(t, "HelloAB", f.object("Sync/dev0.f1.1.txt"))

	// The superseded object went right after commit, taking its stale row.
	assert.Equal(t, []string{"Sync/dev0.f1.1.txt"}, f.storage.Keys())
	assert.Empty(t, f.store.stale)

	assert.Empty(t, f.pending())
	for _, u := range f.store.uploads {
		assert.Equal(t, models.UploadStateV0Completed, u.State)
	}
	assert.Equal(t, int64(2), f.masterVersion("sg"))
	assert.Empty(t, f.store.locks)
}

func TestApply_AppendOrderAcrossBatches(t *testing.T) {
	records := []string{"r1;", "r2;", "r3;", "r4;"}

	run := func(t *testing.T, split int) string {
		f := newOrchestratorFixture(t)
		f.uploadV0("sg", "fg", "f1", 1, "dev0", resolvers.AppendResolverName, "v0:")

		batches := [][]string{records[:split], records[split:]}
		if split == len(records) {
			batches = batches[:1]
		}
		for _, batch := range batches {
			version := f.file("sg", "f1").FileVersion + 1
			for _, rec := range batch {
				f.change("sg", "f1", 1, "dev"+rec, version, rec)
			}
			f.commits(1)
			_, err := f.orchestrator.ApplyPending(context.Background(), 10)
			require.NoError(t, err)
		}

		fi := f.file("sg", "f1")
		assert.Equal(t, int64(len(batches)), fi.FileVersion)
		return f.object("Sync/" + fi.CloudFileName())
	}

	for _, split := range []int{4, 1, 2, 3} {
		assert.Equal(t, "v0:r1;r2;r3;r4;", run(t, split), "split at %d", split)
	}
}

func TestApply_RollsBackWhenAFileFails(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.uploadV0("sg", "fg", "f1", 1, "dev0", resolvers.AppendResolverName, "one")
	f.uploadV0("sg", "fg", "f2", 1, "dev0", resolvers.AppendResolverName, "two")

	batch := "batch"
	for _, file := range []string{"f1", "f2"} {
		f.commits(1)
		_, err := f.intake.UploadFile(context.Background(), UploadRequest{
			UserID: 1, DeviceUUID: "devA", SharingGroupUUID: "sg", FileUUID: file,
			MasterVersion: 2, FileVersion: 1, Contents: []byte("+"), BatchUUID: &batch,
		})
		require.NoError(t, err)
	}

	// f2's current object vanished, so the download in the second step fails.
	require.NoError(t, f.storage.Delete(context.Background(), "dev0.f2.0.txt", cloudstorage.Options{CloudFolderName: folder}))

	files := cloneSlice(f.store.files)
	uploads := cloneSlice(f.store.uploads)
	deferred := cloneSlice(f.store.deferred)

	f.rollback()
	_, err := f.orchestrator.Apply(context.Background(), "sg", "fg", f.pending())
	require.Error(t, err)
	assert.ErrorIs(t, err, cloudstorage.ErrNotFound)

	assert.Equal(t, files, f.store.files)
	assert.Equal(t, uploads, f.store.uploads)
	assert.Equal(t, deferred, f.store.deferred)
	assert.Empty(t, f.store.stale)
	assert.Equal(t, int64(2), f.masterVersion("sg"))
	assert.Empty(t, f.store.locks, "lock released after rollback")

	// The batch is still there and applies once the object is back.
	_, err = f.storage.Upload(context.Background(), "dev0.f2.0.txt", []byte("two"), cloudstorage.Options{CloudFolderName: folder})
	require.NoError(t, err)

	f.commits(1)
	res, err := f.orchestrator.Apply(context.Background(), "sg", "fg", f.pending())
	require.NoError(t, err)
	assert.Equal(t, 2, res.FilesChanged)
	assert.Equal(t, "one+", f.object("Sync/dev0.f1.1.txt"))
	assert.Equal(t, "two+", f.object("Sync/dev0.f2.1.txt"))
}

func TestApply_FailedBookkeepingRollsBack(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.uploadV0("sg", "fg", "f1", 1, "dev0", resolvers.AppendResolverName, "Hello")
	f.change("sg", "f1", 1, "devA", 1, "A")

	f.store.fail("masterversions.Increment", errors.New("boom"))
	f.rollback()
	_, err := f.orchestrator.Apply(context.Background(), "sg", "fg", f.pending())
	require.Error(t, err)

	assert.Equal(t, int64(0), f.file("sg", "f1").FileVersion)
	assert.Len(t, f.pending(), 1)
	assert.Len(t, f.store.uploads, 2)
}

func TestApply_MalformedRecord(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.uploadV0("sg", "fg", "c1", 1, "dev0", resolvers.JSONRecordsResolverName, `{"elements":[]}`)
	f.change("sg", "c1", 1, "devA", 1, `{"id":"m1","text":"hi"}`)
	f.change("sg", "c1", 1, "devB", 1, `not json`)

	f.rollback()
	_, err := f.orchestrator.Apply(context.Background(), "sg", "fg", f.pending())
	assert.ErrorIs(t, err, common.ErrMalformedRecord)

	var rerr *resolvers.ResolverError
	assert.ErrorAs(t, err, &rerr)
	assert.Equal(t, int64(0), f.file("sg", "c1").FileVersion)
	assert.Len(t, f.pending(), 2)
}

func TestApply_RejectsMixedFileGroups(t *testing.T) {
	f := newOrchestratorFixture(t)

	dus := []*models.DeferredUpload{
		{ID: 1, FileGroupUUID: "fg", SharingGroupUUID: "sg"},
		{ID: 2, FileGroupUUID: "other", SharingGroupUUID: "sg"},
	}
	_, err := f.orchestrator.Apply(context.Background(), "sg", "fg", dus)
	assert.ErrorIs(t, err, common.ErrNotAllInGroupHaveSameFileGroupUUID)
}

func TestApply_LockHeldElsewhere(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.uploadV0("sg", "fg", "f1", 1, "dev0", resolvers.AppendResolverName, "Hello")
	f.change("sg", "f1", 1, "devA", 1, "A")

	f.store.locks["filegroup:fg"] = &models.Lock{Resource: "filegroup:fg", Owner: "other", Expiry: time.Now().Add(time.Hour)}

	_, err := f.orchestrator.Apply(context.Background(), "sg", "fg", f.pending())
	assert.ErrorIs(t, err, common.ErrLockHeld)

	applied, err := f.orchestrator.ApplyPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.Len(t, f.pending(), 1)

	// An expired lock is taken over.
	f.store.locks["filegroup:fg"].Expiry = time.Now().Add(-time.Second)
	f.commits(1)
	applied, err = f.orchestrator.ApplyPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
}

func TestApply_DeletionBatch(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.uploadV0("sg", "fg", "f1", 1, "dev0", resolvers.AppendResolverName, "one")
	f.uploadV0("sg", "fg", "f2", 1, "dev0", resolvers.AppendResolverName, "two")
	f.change("sg", "f1", 1, "devA", 1, "dropped")

	f.commits(1)
	_, err := f.intake.UploadDeletion(context.Background(), DeletionRequest{
		UserID: 1, DeviceUUID: "devA", SharingGroupUUID: "sg", FileGroupUUID: "fg", MasterVersion: 2,
	})
	require.NoError(t, err)

	// f2's object is already gone; deleting it again is not an error.
	require.NoError(t, f.storage.Delete(context.Background(), "dev0.f2.0.txt", cloudstorage.Options{CloudFolderName: folder}))

	f.commits(1)
	res, err := f.orchestrator.Apply(context.Background(), "sg", "fg", f.pending())
	require.NoError(t, err)
	assert.Equal(t, 2, res.FilesDeleted)
	assert.Equal(t, 0, res.FilesChanged)
	assert.Equal(t, 2, res.ObjectsRemoved)

	assert.True(t, f.file("sg", "f1").Deleted)
	assert.True(t, f.file("sg", "f2").Deleted)
	assert.True(t, f.store.fileGroups["fg"].Deleted)
	assert.Empty(t, f.storage.Keys())
	assert.Empty(t, f.store.stale)
	assert.Empty(t, f.pending())
	assert.Equal(t, int64(3), f.masterVersion("sg"))

	f.commits(1)
	again, err := f.intake.UploadDeletion(context.Background(), DeletionRequest{
		UserID: 1, DeviceUUID: "devA", SharingGroupUUID: "sg", FileGroupUUID: "fg", MasterVersion: 3,
	})
	require.NoError(t, err)
	assert.True(t, again.AlreadyApplied)
	assert.Empty(t, f.pending())
}

func TestApply_FailedCleanupLeftForSweeper(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.store.users[1].AccountType = "flaky"
	f.uploadV0("sg", "fg", "f1", 1, "dev0", resolvers.AppendResolverName, "Hello")
	f.change("sg", "f1", 1, "devA", 1, "A")

	f.creds.Register("flaky", &failingDeletes{Memory: f.storage})

	f.commits(1)
	res, err := f.orchestrator.Apply(context.Background(), "sg", "fg", f.pending())
	require.NoError(t, err)
	assert.Equal(t, 0, res.ObjectsRemoved)
	assert.Equal(t, int64(1), f.file("sg", "f1").FileVersion)

	require.Len(t, f.store.stale, 1)
	sv := f.store.stale[0]
	assert.Equal(t, int64(0), sv.FileVersion)
	assert.Equal(t, f.clock.Add(time.Hour), sv.ExpiryDate)
}

// failingDeletes refuses every delete.
type failingDeletes struct {
	*cloudstorage.Memory
}

func (f *failingDeletes) Delete(context.Context, string, cloudstorage.Options) error {
	return errors.New("storage unavailable")
}

func TestApply_ChangeQueuedDuringRunWaitsForNextRun(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.uploadV0("sg", "fg", "f1", 1, "dev0", resolvers.AppendResolverName, "Hello")

	batch := "b1"
	queue := func(device, record string) (*UploadResult, error) {
		return f.intake.UploadFile(context.Background(), UploadRequest{
			UserID:           1,
			DeviceUUID:       device,
			SharingGroupUUID: "sg",
			FileUUID:         "f1",
			MasterVersion:    f.masterVersion("sg"),
			FileVersion:      1,
			MimeType:         "text/plain",
			Contents:         []byte(record),
			CheckSum:         cloudstorage.Checksum([]byte(record)),
			BatchUUID:        &batch,
		})
	}

	f.commits(1)
	first, err := queue("devA", "A")
	require.NoError(t, err)

	var (
		during     *UploadResult
		eventsThen []string
	)
	f.store.users[1].AccountType = "interleaved"
	f.creds.Register("interleaved", &interleaved{Memory: f.storage, onDownload: func() {
		eventsThen = slices.Clone(f.store.events)
		during, err = queue("devB", "B")
		require.NoError(t, err)
	}})

	// The intake transaction opens and commits inside the run's.
	f.mock.ExpectBegin()
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	f.mock.ExpectCommit()

	f.store.events = nil
	res, err := f.orchestrator.Apply(context.Background(), "sg", "fg", f.pending())
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesChanged)

	// Only the queue row was locked while the object was being read.
	assert.Equal(t, []string{"deferred.lock"}, eventsThen)
	assert.Equal(t, []string{"deferred.lock", "version.lock", "version.lock", "version.increment"}, f.store.events)

	require.NotNil(t, during)
	assert.Equal(t, UploadStatusSuccess, during.Status)
	assert.NotEqual(t, first.DeferredUploadID, during.DeferredUploadID, "claimed queue row must not be joined")

	assert.Equal(t, "HelloA", f.object("Sync/dev0.f1.1.txt"))
	pending := f.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, during.DeferredUploadID, pending[0].ID)
	assert.Equal(t, &batch, pending[0].BatchUUID)

	f.commits(1)
	applied, err := f.orchestrator.ApplyPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	fi := f.file("sg", "f1")
	assert.Equal(t, int64(2), fi.FileVersion)
	assert.Equal(t, "HelloAB", f.object("Sync/dev0.f1.2.txt"))
	assert.Empty(t, f.pending())
	assert.Equal(t, int64(3), f.masterVersion("sg"))
}

// interleaved runs onDownload once, on the first object read.
type interleaved struct {
	*cloudstorage.Memory
	onDownload func()
}

func (s *interleaved) Download(ctx context.Context, name string, opts cloudstorage.Options) ([]byte, error) {
	if s.onDownload != nil {
		hook := s.onDownload
		s.onDownload = nil
		hook()
	}
	return s.Memory.Download(ctx, name, opts)
}

func TestApply_CommitFailureKeepsQueue(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.uploadV0("sg", "fg", "f1", 1, "dev0", resolvers.AppendResolverName, "Hello")
	f.change("sg", "f1", 1, "devA", 1, "A")

	f.mock.ExpectBegin()
	f.mock.ExpectCommit().WillReturnError(errors.New("connection reset"))
	_, err := f.orchestrator.Apply(context.Background(), "sg", "fg", f.pending())
	require.ErrorIs(t, err, dbx.ErrCommit)

	assert.Equal(t, int64(0), f.file("sg", "f1").FileVersion)
	assert.Len(t, f.pending(), 1)
	assert.Equal(t, int64(1), f.masterVersion("sg"))
	assert.Empty(t, f.store.locks)

	// The retry overwrites the object the failed attempt left behind.
	f.commits(1)
	applied, err := f.orchestrator.ApplyPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, "HelloA", f.object("Sync/dev0.f1.1.txt"))
	assert.Equal(t, []string{"Sync/dev0.f1.1.txt"}, f.storage.Keys())
}
