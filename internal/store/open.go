package store

import (
	"context"
	"fmt"

	"github.com/tripwire/fileaudit/internal/model"
)

// Store is the union of what the monitor, the persistence queue and the
// command line need from a backend.
type Store interface {
	ListEnabled(ctx context.Context) ([]model.WatchTarget, error)
	Upsert(ctx context.Context, t model.WatchTarget) error
	SoftDeleteUnder(ctx context.Context, root string) (int64, error)
	Write(ctx context.Context, rec model.OperationRecord) error
	Records(ctx context.Context, limit int) ([]model.OperationRecord, error)
	Close() error
}

// Supported driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Postgres)(nil)
)

// Open returns the backend named by driver, connected to dsn. For sqlite
// the dsn is a file path.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		s, err := OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		p, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}
