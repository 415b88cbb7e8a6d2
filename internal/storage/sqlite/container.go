package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/orcanet/orcanet/internal/errs"
	"github.com/orcanet/orcanet/internal/fsutil"
)

//go:embed migrations
var migrationsFS embed.FS

// Schema names one container kind. Each kind has its own migration set
// under migrations/<kind>.
type Schema string

const (
	SchemaHistograms  Schema = "histograms"
	SchemaEvents      Schema = "events"
	SchemaPredictions Schema = "predictions"
)

// schemaVersion is the latest migration of every container kind.
const schemaVersion = 1

// Containers are written once and renamed into place, so the rollback
// journal is used instead of WAL: a closed container is a single file.
var containerPragmas = []string{
	"PRAGMA journal_mode=DELETE",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range containerPragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return db, nil
}

func newMigrate(db *sql.DB, schema Schema) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations/"+string(schema))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s migrations: %w", schema, err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// pendingContainer is a container being written at a temporary sibling of
// its final path.
type pendingContainer struct {
	db     *sql.DB
	tmp    string
	target string
}

// createContainer prepares a fresh container for target. Nothing appears at
// target until commit.
func createContainer(target string, schema Schema) (*pendingContainer, error) {
	target = filepath.Clean(target)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, errs.IOf("create directory for %s: %v", target, err)
	}
	tmp := fsutil.TempName(target)
	db, err := openDB(tmp)
	if err != nil {
		os.Remove(tmp)
		return nil, errs.IOf("create container %s: %v", target, err)
	}
	m, err := newMigrate(db, schema)
	if err != nil {
		db.Close()
		os.Remove(tmp)
		return nil, err
	}
	// Closing m would close db, so it is left to the garbage collector.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		db.Close()
		os.Remove(tmp)
		return nil, errs.IOf("initialise %s schema in %s: %v", schema, target, err)
	}
	return &pendingContainer{db: db, tmp: tmp, target: target}, nil
}

// commit closes the database and renames it over the target. An existing
// file at target is replaced without warning.
func (p *pendingContainer) commit() error {
	if err := p.db.Close(); err != nil {
		os.Remove(p.tmp)
		return errs.IOf("close container %s: %v", p.target, err)
	}
	if err := os.Rename(p.tmp, p.target); err != nil {
		os.Remove(p.tmp)
		return errs.IOf("replace %s: %v", p.target, err)
	}
	return nil
}

// abort discards the temporary file.
func (p *pendingContainer) abort() {
	p.db.Close()
	os.Remove(p.tmp)
}

// openContainer opens an existing container for reading and checks that it
// carries the expected schema at the current version.
func openContainer(path string, schema Schema) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.Lookupf("container %s does not exist", path)
		}
		return nil, fmt.Errorf("failed to stat container: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open container %s: %w", path, err)
	}
	m, err := newMigrate(db, schema)
	if err != nil {
		db.Close()
		return nil, err
	}
	version, dirty, err := m.Version()
	if err != nil {
		db.Close()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil, errs.Consistencyf("%s is not a %s container", path, schema)
		}
		return nil, fmt.Errorf("failed to read schema version of %s: %w", path, err)
	}
	if dirty || version != schemaVersion {
		db.Close()
		return nil, errs.Consistencyf("%s has %s schema version %d (dirty=%v), want %d", path, schema, version, dirty, schemaVersion)
	}
	return db, nil
}
