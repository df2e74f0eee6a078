// Package db persists per-request usage accounting in SQLite.
package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// UsageRecord is one completed request.
type UsageRecord struct {
	ID          uint      `gorm:"primaryKey;autoIncrement;column:id"`
	RequestID   string    `gorm:"column:request_id;index:idx_request"`
	BackendUUID string    `gorm:"column:backend_uuid;index:idx_backend_model;not null"`
	BackendName string    `gorm:"column:backend_name;not null"`
	Model       string    `gorm:"column:model;index:idx_backend_model;not null"`
	// RequestModel is the model name the client asked for, before routing
	// and backend overrides.
	RequestModel string    `gorm:"column:request_model"`
	Mode         string    `gorm:"column:mode;index:idx_mode;not null"` // translate, passthrough
	Timestamp    time.Time `gorm:"column:timestamp;index:idx_timestamp;not null"`

	InputTokens         int `gorm:"column:input_tokens;not null"`
	OutputTokens        int `gorm:"column:output_tokens;not null"`
	CacheReadTokens     int `gorm:"column:cache_read_tokens"`
	CacheCreationTokens int `gorm:"column:cache_creation_tokens"`
	TotalTokens         int `gorm:"column:total_tokens;index;not null"`

	Status      string `gorm:"column:status;index;not null"` // success, error, canceled
	ErrorKind   string `gorm:"column:error_kind"`
	StatusCode  int    `gorm:"column:status_code"`
	LatencyMs   int    `gorm:"column:latency_ms"`
	FirstByteMs int    `gorm:"column:first_byte_ms"`
	Streamed    bool   `gorm:"column:streamed;default:0"`
	Keepalives  int    `gorm:"column:keepalives"`
}

func (UsageRecord) TableName() string {
	return "usage_records"
}

// MetricSample is a periodic snapshot of one counter or histogram datapoint
// from the metrics pipeline.
type MetricSample struct {
	ID         uint      `gorm:"primaryKey;autoIncrement;column:id"`
	Name       string    `gorm:"column:name;index:idx_name_time;not null"`
	Attributes string    `gorm:"column:attributes"` // JSON object of label key/values
	Value      float64   `gorm:"column:value;not null"`
	Timestamp  time.Time `gorm:"column:timestamp;index:idx_name_time;not null"`
}

func (MetricSample) TableName() string {
	return "metric_samples"
}

// UsageStore persists usage records and metric samples in SQLite.
type UsageStore struct {
	db     *gorm.DB
	dbPath string
	mu     sync.Mutex
}

// NewUsageStore opens (or creates) the store at dbPath and migrates the
// schema. WAL mode keeps readers and the writer from blocking each other.
func NewUsageStore(dbPath string) (*UsageStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create usage store directory: %w", err)
	}

	dsn := dbPath + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}

	if err := gdb.AutoMigrate(&UsageRecord{}, &MetricSample{}); err != nil {
		return nil, fmt.Errorf("failed to migrate usage database: %w", err)
	}

	return &UsageStore{db: gdb, dbPath: dbPath}, nil
}

// RecordUsage inserts one usage record. Derived fields are filled in.
func (us *UsageStore) RecordUsage(record *UsageRecord) error {
	if record == nil {
		return errors.New("record cannot be nil")
	}

	us.mu.Lock()
	defer us.mu.Unlock()

	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	record.TotalTokens = record.InputTokens + record.OutputTokens
	if record.Status == "" {
		record.Status = "success"
	}
	return us.db.Create(record).Error
}

// RecordMetricSamples inserts a batch of metric snapshots.
func (us *UsageStore) RecordMetricSamples(samples []MetricSample) error {
	if len(samples) == 0 {
		return nil
	}

	us.mu.Lock()
	defer us.mu.Unlock()

	now := time.Now()
	for i := range samples {
		if samples[i].Timestamp.IsZero() {
			samples[i].Timestamp = now
		}
	}
	return us.db.Create(&samples).Error
}

// UsageTotals is the aggregate over a set of usage records.
type UsageTotals struct {
	RequestCount        int64   `json:"request_count"`
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	TotalTokens         int64   `json:"total_tokens"`
	ErrorCount          int64   `json:"error_count"`
	StreamedCount       int64   `json:"streamed_count"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
}

// TotalsQuery filters the aggregate. Zero values mean no filter.
type TotalsQuery struct {
	Since   time.Time
	Until   time.Time
	Backend string // backend UUID
	Model   string
	Mode    string
}

// Totals aggregates usage records matching the query.
func (us *UsageStore) Totals(query TotalsQuery) (*UsageTotals, error) {
	us.mu.Lock()
	defer us.mu.Unlock()

	db := us.db.Model(&UsageRecord{})
	if !query.Since.IsZero() {
		db = db.Where("timestamp >= ?", query.Since)
	}
	if !query.Until.IsZero() {
		db = db.Where("timestamp <= ?", query.Until)
	}
	if query.Backend != "" {
		db = db.Where("backend_uuid = ?", query.Backend)
	}
	if query.Model != "" {
		db = db.Where("model = ?", query.Model)
	}
	if query.Mode != "" {
		db = db.Where("mode = ?", query.Mode)
	}

	var totals UsageTotals
	err := db.Select(`
		COUNT(*) as request_count,
		COALESCE(SUM(input_tokens), 0) as input_tokens,
		COALESCE(SUM(output_tokens), 0) as output_tokens,
		COALESCE(SUM(cache_read_tokens), 0) as cache_read_tokens,
		COALESCE(SUM(cache_creation_tokens), 0) as cache_creation_tokens,
		COALESCE(SUM(total_tokens), 0) as total_tokens,
		COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0) as error_count,
		COALESCE(SUM(CASE WHEN streamed = 1 THEN 1 ELSE 0 END), 0) as streamed_count,
		COALESCE(AVG(latency_ms), 0) as avg_latency_ms
	`).Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return &totals, nil
}

// ModelTotal is the per-model slice of the aggregate.
type ModelTotal struct {
	BackendName  string `json:"backend_name"`
	Model        string `json:"model"`
	RequestCount int64  `json:"request_count"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	TotalTokens  int64  `json:"total_tokens"`
}

// TotalsByModel aggregates usage grouped by backend and model, largest first.
func (us *UsageStore) TotalsByModel(query TotalsQuery) ([]ModelTotal, error) {
	us.mu.Lock()
	defer us.mu.Unlock()

	db := us.db.Model(&UsageRecord{})
	if !query.Since.IsZero() {
		db = db.Where("timestamp >= ?", query.Since)
	}
	if !query.Until.IsZero() {
		db = db.Where("timestamp <= ?", query.Until)
	}

	var rows []ModelTotal
	err := db.Select(`
		backend_name,
		model,
		COUNT(*) as request_count,
		COALESCE(SUM(input_tokens), 0) as input_tokens,
		COALESCE(SUM(output_tokens), 0) as output_tokens,
		COALESCE(SUM(total_tokens), 0) as total_tokens
	`).Group("backend_name, model").
		Order("total_tokens DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// RecentMetricSamples returns the newest metric snapshots, newest first.
func (us *UsageStore) RecentMetricSamples(limit int) ([]MetricSample, error) {
	us.mu.Lock()
	defer us.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var samples []MetricSample
	err := us.db.Order("timestamp DESC").Limit(limit).Find(&samples).Error
	return samples, err
}

// RecentRecords returns the newest records, newest first.
func (us *UsageStore) RecentRecords(limit int) ([]UsageRecord, error) {
	us.mu.Lock()
	defer us.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var records []UsageRecord
	err := us.db.Order("timestamp DESC").Limit(limit).Find(&records).Error
	return records, err
}

// Close releases the underlying database handle.
func (us *UsageStore) Close() error {
	sqlDB, err := us.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
