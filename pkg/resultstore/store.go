package resultstore

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/promptoor/pkg/config"
	"github.com/ethpandaops/promptoor/pkg/fsutil"
)

// Store persists run records keyed by (model, test name, pass index). A
// write to an existing key replaces it in place.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Append validates and stores r. The last write for a key wins.
	Append(ctx context.Context, r *Record) error
	// AppendAll stores many records in one write.
	AppendAll(ctx context.Context, records []Record) error
	// Read returns the records of a pair in insertion order.
	Read(ctx context.Context, model, testName string) ([]Record, error)
	// ReadOne returns the record for a key, or nil when absent.
	ReadOne(ctx context.Context, model, testName string, passIndex int) (*Record, error)
	// All returns every record in insertion order.
	All(ctx context.Context) ([]Record, error)
	// Reset removes every record.
	Reset(ctx context.Context) error
}

// New creates the store selected by cfg.Driver.
func New(log logrus.FieldLogger, cfg *config.StoreConfig, owner *fsutil.OwnerConfig) (Store, error) {
	switch cfg.Driver {
	case config.StoreDriverJSONL, "":
		return NewJSONLStore(log, cfg.Path, owner), nil
	case config.StoreDriverSQLite, config.StoreDriverPostgres:
		return NewSQLStore(log, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

// Import copies every record of src into dst and returns the count.
func Import(ctx context.Context, dst, src Store) (int, error) {
	records, err := src.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading source store: %w", err)
	}

	if err := dst.AppendAll(ctx, records); err != nil {
		return 0, fmt.Errorf("writing destination store: %w", err)
	}

	return len(records), nil
}
