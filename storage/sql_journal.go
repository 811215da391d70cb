package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"xcallvote/core/lifecycle"
)

// LifecycleRecord is the relational row of a lifecycle. The searchable fields
// are columns, the full snapshot is kept as JSON.
type LifecycleRecord struct {
	ID                string `gorm:"primaryKey;size:64"`
	Method            string `gorm:"size:64"`
	Phase             string `gorm:"size:32;index"`
	SN                string `gorm:"size:80;index"`
	MessageID         string `gorm:"size:80"`
	RollbackTriggered bool
	FailedIn          string    `gorm:"size:32"`
	Error             string    `gorm:"type:text"`
	Snapshot          string    `gorm:"type:text"`
	CreatedAt         time.Time `gorm:"index"`
	UpdatedAt         time.Time
}

// TableName pins the table name.
func (LifecycleRecord) TableName() string { return "lifecycles" }

// AutoMigrate performs the journal schema migrations.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&LifecycleRecord{})
}

// SQLJournal stores lifecycles through gorm.
type SQLJournal struct {
	db *gorm.DB
}

// OpenSQLJournal opens a sqlite or postgres journal and migrates it.
func OpenSQLJournal(driver, dsn string) (*SQLJournal, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%s journal: dsn required", driver)
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown sql driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s journal: %w", driver, err)
	}
	return NewSQLJournal(db)
}

// NewSQLJournal wraps an open gorm handle.
func NewSQLJournal(db *gorm.DB) (*SQLJournal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: nil database")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &SQLJournal{db: db}, nil
}

// Record implements Journal.
func (j *SQLJournal) Record(ctx context.Context, lc lifecycle.Lifecycle) error {
	if strings.TrimSpace(lc.ID) == "" {
		return fmt.Errorf("journal: lifecycle id required")
	}
	snapshot, err := json.Marshal(lc)
	if err != nil {
		return fmt.Errorf("encode lifecycle %s: %w", lc.ID, err)
	}
	rec := LifecycleRecord{
		ID:                lc.ID,
		Method:            lc.Method,
		Phase:             string(lc.Phase),
		SN:                lc.SN,
		MessageID:         lc.MessageID,
		RollbackTriggered: lc.RollbackTriggered,
		FailedIn:          string(lc.FailedIn),
		Error:             lc.Error,
		Snapshot:          string(snapshot),
		CreatedAt:         lc.CreatedAt.UTC(),
		UpdatedAt:         lc.UpdatedAt.UTC(),
	}
	if err := j.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("store lifecycle %s: %w", lc.ID, err)
	}
	return nil
}

// Get implements Journal.
func (j *SQLJournal) Get(ctx context.Context, id string) (lifecycle.Lifecycle, error) {
	var rec LifecycleRecord
	err := j.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return lifecycle.Lifecycle{}, fmt.Errorf("lifecycle %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return lifecycle.Lifecycle{}, fmt.Errorf("load lifecycle %s: %w", id, err)
	}
	return rec.lifecycle()
}

// List implements Journal.
func (j *SQLJournal) List(ctx context.Context, limit int) ([]lifecycle.Lifecycle, error) {
	query := j.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var recs []LifecycleRecord
	if err := query.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list lifecycles: %w", err)
	}
	out := make([]lifecycle.Lifecycle, 0, len(recs))
	for _, rec := range recs {
		lc, err := rec.lifecycle()
		if err != nil {
			return nil, err
		}
		out = append(out, lc)
	}
	return out, nil
}

// CountByPhase returns how many lifecycles currently sit in each phase.
func (j *SQLJournal) CountByPhase(ctx context.Context) (map[lifecycle.Phase]int64, error) {
	var rows []struct {
		Phase string
		Total int64
	}
	err := j.db.WithContext(ctx).Model(&LifecycleRecord{}).
		Select("phase, count(*) as total").Group("phase").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count lifecycles: %w", err)
	}
	out := make(map[lifecycle.Phase]int64, len(rows))
	for _, row := range rows {
		out[lifecycle.Phase(row.Phase)] = row.Total
	}
	return out, nil
}

// Close implements Journal.
func (j *SQLJournal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r LifecycleRecord) lifecycle() (lifecycle.Lifecycle, error) {
	var lc lifecycle.Lifecycle
	if err := json.Unmarshal([]byte(r.Snapshot), &lc); err != nil {
		return lifecycle.Lifecycle{}, fmt.Errorf("decode lifecycle %s: %w", r.ID, err)
	}
	return lc, nil
}
