package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/syncserver/internal/dbx"
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

// RepositoryManager vends repositories bound to either the pool or an open
// transaction, so services decide the transaction boundary.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	SharingGroups(db dbx.DBTX) sharinggroups.Repository
	SharingGroupUsers(db dbx.DBTX) sharinggroupusers.Repository
	FileGroups(db dbx.DBTX) filegroups.Repository
	FileIndex(db dbx.DBTX) fileindex.Repository
	Uploads(db dbx.DBTX) uploads.Repository
	DeferredUploads(db dbx.DBTX) deferreduploads.Repository
	MasterVersions(db dbx.DBTX) masterversions.Repository
	StaleVersions(db dbx.DBTX) staleversions.Repository
	Locks(db dbx.DBTX) locks.Repository
}
