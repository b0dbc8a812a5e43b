// Package repomanager provides a concrete RepositoryManager for PostgreSQL,
// wiring together repository constructors and database migrations (via goose).
package repomanager

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/syncserver/internal/dbx"
	"github.com/dmitrijs2005/syncserver/internal/server/migrations"
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
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PostgresRepositoryManager vends PostgreSQL-backed repository implementations
// and exposes a schema migration hook.
type PostgresRepositoryManager struct{}

func (m *PostgresRepositoryManager) Users(db dbx.DBTX) users.Repository {
	return users.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) SharingGroups(db dbx.DBTX) sharinggroups.Repository {
	return sharinggroups.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) SharingGroupUsers(db dbx.DBTX) sharinggroupusers.Repository {
	return sharinggroupusers.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) FileGroups(db dbx.DBTX) filegroups.Repository {
	return filegroups.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) FileIndex(db dbx.DBTX) fileindex.Repository {
	return fileindex.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Uploads(db dbx.DBTX) uploads.Repository {
	return uploads.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) DeferredUploads(db dbx.DBTX) deferreduploads.Repository {
	return deferreduploads.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) MasterVersions(db dbx.DBTX) masterversions.Repository {
	return masterversions.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) StaleVersions(db dbx.DBTX) staleversions.Repository {
	return staleversions.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Locks(db dbx.DBTX) locks.Repository {
	return locks.NewPostgresRepository(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the provided database connection.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	return gooseUpContext(ctx, db, ".")
}

// NewPostgresRepositoryManager constructs a PostgreSQL-backed RepositoryManager.
func NewPostgresRepositoryManager() *PostgresRepositoryManager {
	return &PostgresRepositoryManager{}
}
