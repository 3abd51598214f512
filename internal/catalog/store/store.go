// Package store is a concrete, Postgres-backed implementation of
// catalog.Operations, grounded on db.py's PiWheelsDatabase (log_build_run,
// log_build, get_package_summary) and the_architect.py/cloud_gazer.py's
// queries, using the sqlx + pgx/v5 stack adopted from the rest of the
// example pack rather than hand-rolled database/sql calls. It exists so the
// catalog queue (internal/catalog.Client) has a real backend to serve, even
// though the schema itself is treated as an external system.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/pkgforge/master/internal/catalog"
	"github.com/pkgforge/master/internal/model"
)

// Store implements catalog.Operations against a PostgreSQL database reached
// through pgx's database/sql shim, queried with sqlx for scan convenience.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn (a libpq connection string) and wraps it in a Store.
// Run Migrate before first use.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) GetUpstreamSerial(ctx context.Context) (int64, error) {
	var serial int64
	err := s.db.GetContext(ctx, &serial, `SELECT serial FROM upstream_state WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return serial, err
}

func (s *Store) SetUpstreamSerial(ctx context.Context, serial int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upstream_state (id, serial) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET serial = excluded.serial`, serial)
	return err
}

func (s *Store) AddNewPackage(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO packages (package) VALUES ($1)
		ON CONFLICT (package) DO NOTHING`, name)
	return err
}

func (s *Store) AddNewPackageVersion(ctx context.Context, name, version string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO packages (package) VALUES ($1)
		ON CONFLICT (package) DO NOTHING`, name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO versions (package, version, skip) VALUES ($1, $2, '')
		ON CONFLICT (package, version) DO NOTHING`, name, version); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetBuildQueue(ctx context.Context, abi string) ([]catalog.BuildQueueEntry, error) {
	var rows []catalog.BuildQueueEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT v.package AS package, v.version AS version
		FROM versions v
		WHERE v.skip = ''
		  AND NOT EXISTS (
		      SELECT 1 FROM builds b
		      WHERE b.package = v.package AND b.version = v.version AND b.abi = $1
		  )
		ORDER BY v.package, v.version`, abi)
	return rows, err
}

func (s *Store) GetBuildABIs(ctx context.Context) ([]string, error) {
	var abis []string
	err := s.db.SelectContext(ctx, &abis, `SELECT abi FROM build_abis ORDER BY abi`)
	return abis, err
}

func (s *Store) LogBuildRun(ctx context.Context, builderID int64, abi string, started time.Time, success bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO build_runs (started, builder_id, abi, success)
		VALUES ($1, $2, $3, $4)`, started, builderID, abi, success)
	return err
}

func (s *Store) LogBuild(ctx context.Context, b model.Build) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var buildID int64
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO builds (builder_id, package, version, abi, success, duration, log)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING build_id`,
		b.BuilderID, b.Package, b.Version, b.ABI, b.Success, b.Duration, b.Log,
	).Scan(&buildID)
	if err != nil {
		return fmt.Errorf("store: insert build: %w", err)
	}

	for _, filename := range b.Files() {
		art := b.Artifacts[filename]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO files (build_id, filename, size, sha256, py_tag, abi_tag, platform_tag)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			buildID, art.Filename, art.Size, art.SHA256, art.PyTag, art.ABITag, art.PlatformTag,
		); err != nil {
			return fmt.Errorf("store: insert file %s: %w", filename, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetAllPackages(ctx context.Context) ([]string, error) {
	var pkgs []string
	err := s.db.SelectContext(ctx, &pkgs, `SELECT package FROM packages ORDER BY package`)
	return pkgs, err
}

func (s *Store) GetPackageFiles(ctx context.Context, pkg string) ([]catalog.PackageFile, error) {
	var files []catalog.PackageFile
	err := s.db.SelectContext(ctx, &files, `
		SELECT f.filename AS filename, f.sha256 AS sha256,
		       f.py_tag AS py_tag, f.abi_tag AS abi_tag, f.platform_tag AS platform
		FROM files f
		JOIN builds b ON b.build_id = f.build_id
		WHERE b.package = $1 AND b.success
		ORDER BY f.filename`, pkg)
	return files, err
}

func (s *Store) VersionExists(ctx context.Context, pkg, version string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM versions WHERE package = $1 AND version = $2)`, pkg, version)
	return exists, err
}

func (s *Store) AddPackageManual(ctx context.Context, pkg string) error {
	return s.AddNewPackage(ctx, pkg)
}

func (s *Store) AddVersionManual(ctx context.Context, pkg, version, skipReason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO versions (package, version, skip) VALUES ($1, $2, $3)
		ON CONFLICT (package, version) DO UPDATE SET skip = excluded.skip`,
		pkg, version, skipReason)
	return err
}

func (s *Store) RemovePackage(ctx context.Context, pkg string, cascade bool) error {
	if !cascade {
		_, err := s.db.ExecContext(ctx, `DELETE FROM packages WHERE package = $1`, pkg)
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE build_id IN (SELECT build_id FROM builds WHERE package = $1)`, pkg); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM builds WHERE package = $1`, pkg); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM versions WHERE package = $1`, pkg); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM packages WHERE package = $1`, pkg); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RemoveVersion(ctx context.Context, pkg, version string, cascade bool) error {
	if !cascade {
		_, err := s.db.ExecContext(ctx, `DELETE FROM versions WHERE package = $1 AND version = $2`, pkg, version)
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE build_id IN (SELECT build_id FROM builds WHERE package = $1 AND version = $2)`, pkg, version); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM builds WHERE package = $1 AND version = $2`, pkg, version); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM versions WHERE package = $1 AND version = $2`, pkg, version); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetSummary(ctx context.Context) (catalog.Summary, error) {
	var sum catalog.Summary
	err := s.db.GetContext(ctx, &sum, `
		SELECT
			COUNT(*) FILTER (WHERE success)     AS success,
			COUNT(*) FILTER (WHERE NOT success) AS fail,
			COUNT(*)                            AS total
		FROM builds`)
	return sum, err
}

var _ catalog.Operations = (*Store)(nil)
