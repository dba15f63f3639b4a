package resultstore

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ethpandaops/promptoor/pkg/config"
	"github.com/ethpandaops/promptoor/pkg/outcome"
)

// runRecord is the database row for a Record.
type runRecord struct {
	ID        uint     `gorm:"primaryKey"`
	Model     string   `gorm:"not null;uniqueIndex:idx_run_records_key"`
	TestName  string   `gorm:"not null;uniqueIndex:idx_run_records_key"`
	PassIndex int      `gorm:"not null;uniqueIndex:idx_run_records_key"`
	Outcome   string   `gorm:"not null"`
	Duration  *float64 `gorm:"type:double precision"`
	UpdatedAt time.Time
}

// TableName overrides the gorm default.
func (runRecord) TableName() string { return "run_records" }

func toRow(r *Record) runRecord {
	return runRecord{
		Model:     r.Model,
		TestName:  r.TestName,
		PassIndex: r.PassIndex,
		Outcome:   r.Outcome.String(),
		Duration:  r.Duration,
	}
}

func fromRow(row *runRecord) (Record, error) {
	o, err := outcome.Parse(row.Outcome)
	if err != nil {
		return Record{}, fmt.Errorf("row %d: %w", row.ID, err)
	}

	return Record{
		Model:     row.Model,
		TestName:  row.TestName,
		PassIndex: row.PassIndex,
		Outcome:   o,
		Duration:  row.Duration,
	}, nil
}

var _ Store = (*sqlStore)(nil)

type sqlStore struct {
	log logrus.FieldLogger
	cfg *config.StoreConfig
	db  *gorm.DB
}

// NewSQLStore creates a store backed by sqlite or postgres.
func NewSQLStore(log logrus.FieldLogger, cfg *config.StoreConfig) Store {
	return &sqlStore{
		log: log.WithField("component", "resultstore"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *sqlStore) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case config.StoreDriverSQLite:
		dialector = sqlite.Open(s.cfg.Path)
	case config.StoreDriverPostgres:
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening result database: %w", err)
	}

	if s.cfg.Driver == config.StoreDriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		// One connection keeps :memory: databases shared and writes serialized.
		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(&runRecord{}); err != nil {
		return fmt.Errorf("running result migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Result database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *sqlStore) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func upsertClause() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{
			{Name: "model"},
			{Name: "test_name"},
			{Name: "pass_index"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"outcome", "duration", "updated_at"}),
	}
}

// Append upserts r keyed by (model, test_name, pass_index). The row id, and
// with it the insertion order, is kept on conflict.
func (s *sqlStore) Append(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}

	row := toRow(r)
	if err := s.db.WithContext(ctx).Clauses(upsertClause()).Create(&row).Error; err != nil {
		return fmt.Errorf("upserting record: %w", err)
	}

	return nil
}

// AppendAll upserts records in a single transaction.
func (s *sqlStore) AppendAll(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([]runRecord, 0, len(records))

	for i := range records {
		if err := records[i].Validate(); err != nil {
			return err
		}

		rows = append(rows, toRow(&records[i]))
	}

	// Rows may share a key; upsert one at a time so the last one wins.
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			if err := tx.Clauses(upsertClause()).Create(&rows[i]).Error; err != nil {
				return fmt.Errorf("bulk upserting records: %w", err)
			}
		}

		return nil
	})
}

func (s *sqlStore) find(ctx context.Context, query *gorm.DB) ([]Record, error) {
	var rows []runRecord
	if err := query.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}

	out := make([]Record, 0, len(rows))

	for i := range rows {
		r, err := fromRow(&rows[i])
		if err != nil {
			s.log.WithError(err).Warn("Skipping unreadable record")

			continue
		}

		out = append(out, r)
	}

	return out, nil
}

// Read returns a pair's records in insertion order.
func (s *sqlStore) Read(ctx context.Context, model, testName string) ([]Record, error) {
	records, err := s.find(ctx, s.db.Where("model = ? AND test_name = ?", model, testName))
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, nil
	}

	return records, nil
}

// ReadOne returns the record for a key, or nil.
func (s *sqlStore) ReadOne(ctx context.Context, model, testName string, passIndex int) (*Record, error) {
	records, err := s.find(ctx, s.db.Where(
		"model = ? AND test_name = ? AND pass_index = ?", model, testName, passIndex,
	).Limit(1))
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, nil
	}

	return &records[0], nil
}

// All returns every record in insertion order.
func (s *sqlStore) All(ctx context.Context) ([]Record, error) {
	return s.find(ctx, s.db)
}

// Reset deletes every record.
func (s *sqlStore) Reset(ctx context.Context) error {
	if err := s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&runRecord{}).Error; err != nil {
		return fmt.Errorf("resetting result store: %w", err)
	}

	s.log.Info("Result store reset")

	return nil
}
