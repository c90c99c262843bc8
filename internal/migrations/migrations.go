// Package migrations embeds the shelter schema. The numbered files run
// through golang-migrate over a direct connection; the same files are sent
// one by one to the execute_sql function when only the REST API is
// reachable.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationsTable records applied versions.
const MigrationsTable = "gaushala_schema_migrations"

//go:embed sql/*.sql
var files embed.FS

//go:embed storage_policies.sql
var storagePolicies string

var (
	upFile     = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.up\.sql$`)
	bucketName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// Step is one idempotent unit of schema SQL.
type Step struct {
	Version uint
	Name    string
	SQL     string
}

// Steps returns the up migrations in version order.
func Steps() ([]Step, error) {
	entries, err := fs.ReadDir(files, "sql")
	if err != nil {
		return nil, err
	}

	var steps []Step
	for _, e := range entries {
		m := upFile.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		var version uint
		fmt.Sscan(m[1], &version)
		body, err := fs.ReadFile(files, "sql/"+e.Name())
		if err != nil {
			return nil, err
		}
		steps = append(steps, Step{Version: version, Name: m[2], SQL: string(body)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Version < steps[j].Version })
	return steps, nil
}

// StoragePolicies returns the object storage policy SQL for bucket. The
// policies are dropped and recreated on every run.
func StoragePolicies(bucket string) (Step, error) {
	if !bucketName.MatchString(bucket) {
		return Step{}, fmt.Errorf("invalid bucket name %q", bucket)
	}
	return Step{Name: "storage_policies", SQL: strings.ReplaceAll(storagePolicies, "{{BUCKET}}", bucket)}, nil
}

// Apply executes every step and the storage policies sequentially on db,
// stopping at the first failure.
func Apply(ctx context.Context, db *sql.DB, bucket string) error {
	steps, err := Steps()
	if err != nil {
		return err
	}
	policies, err := StoragePolicies(bucket)
	if err != nil {
		return err
	}
	for _, step := range append(steps, policies) {
		if _, err := db.ExecContext(ctx, step.SQL); err != nil {
			return fmt.Errorf("apply %s: %w", step.Name, err)
		}
	}
	return nil
}

// Migrate brings db to the latest version with golang-migrate. An already
// current schema is not an error.
func Migrate(db *sql.DB) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Version reports the applied schema version.
func Version(db *sql.DB) (version uint, dirty bool, err error) {
	m, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(files, "sql")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrator: %w", err)
	}
	return m, nil
}
