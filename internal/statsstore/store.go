// Package statsstore persists the append-only time-series of tunnel health
// samples (spec C4: uptime, throughput, latency, reconnects, disconnect
// reasons) in SQLite via gorm, and serves the aggregate queries the control
// API's /stats/{id} endpoint needs. The gorm.Open/WAL-pragma/
// AutoMigrate sequence follows the database.Init pattern the llm-proxy
// control plane uses for its own usage-record store.
package statsstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tunnelgate/internal/model"
)

// Retention is how long stats samples are kept before Cleanup removes them
// (spec §4.4).
const Retention = 7 * 24 * time.Hour

// sampleRow is the gorm-mapped row for one StatsSample.
type sampleRow struct {
	ID               uint      `gorm:"primaryKey"`
	ServerID         string    `gorm:"index:idx_server_time"`
	Timestamp        time.Time `gorm:"index:idx_server_time"`
	UptimeSec        int64
	BytesIn          int64
	BytesOut         int64
	LatencyMs        *int64
	ReconnectCount   int
	DisconnectReason string
}

func (sampleRow) TableName() string { return "stats_samples" }

// Store is the Stats Store: a SQLite-backed append-only sample log plus
// aggregate queries over a time window.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if absent) the SQLite database at path in WAL mode
// and migrates the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create stats db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&sampleRow{}); err != nil {
		return nil, fmt.Errorf("auto-migrate stats schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertSample appends one sample row (spec §4.4: append-only, never
// updated in place).
func (s *Store) InsertSample(sample model.StatsSample) error {
	row := sampleRow{
		ServerID:         sample.ServerID,
		Timestamp:        sample.Timestamp,
		UptimeSec:        sample.UptimeSec,
		BytesIn:          sample.BytesIn,
		BytesOut:         sample.BytesOut,
		LatencyMs:        sample.LatencyMs,
		ReconnectCount:   sample.ReconnectCount,
		DisconnectReason: sample.DisconnectReason,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("insert stats sample: %w", err)
	}
	return nil
}

// Query aggregates samples for serverID over period, ending at now.
func (s *Store) Query(serverID string, period model.StatsPeriod, now time.Time) (model.StatsSummary, error) {
	since := now.Add(-period.Duration())

	var rows []sampleRow
	if err := s.db.
		Where("server_id = ? AND timestamp >= ?", serverID, since).
		Order("timestamp ASC").
		Find(&rows).Error; err != nil {
		return model.StatsSummary{}, fmt.Errorf("query stats samples: %w", err)
	}

	summary := model.StatsSummary{
		DisconnectReasons: make(map[string]int),
		DataPoints:        make([]model.StatsSample, 0, len(rows)),
	}
	if len(rows) == 0 {
		return summary, nil
	}

	var latencySum int64
	var latencyCount int64
	maxReconnects := 0

	for _, r := range rows {
		summary.TotalUptime += r.UptimeSec
		if r.LatencyMs != nil {
			latencySum += *r.LatencyMs
			latencyCount++
		}
		if r.ReconnectCount > maxReconnects {
			maxReconnects = r.ReconnectCount
		}
		if r.DisconnectReason != "" {
			summary.DisconnectReasons[r.DisconnectReason]++
		}
		summary.DataPoints = append(summary.DataPoints, model.StatsSample{
			ServerID:         r.ServerID,
			Timestamp:        r.Timestamp,
			UptimeSec:        r.UptimeSec,
			BytesIn:          r.BytesIn,
			BytesOut:         r.BytesOut,
			LatencyMs:        r.LatencyMs,
			ReconnectCount:   r.ReconnectCount,
			DisconnectReason: r.DisconnectReason,
		})
	}

	summary.ReconnectCount = maxReconnects
	if latencyCount > 0 {
		avg := float64(latencySum) / float64(latencyCount)
		summary.AvgLatencyMs = &avg
	}

	windowSec := period.Duration().Seconds()
	if windowSec > 0 {
		pct := (float64(summary.TotalUptime) / windowSec) * 100
		summary.UptimePercent = clampPercent(pct)
	}

	return summary, nil
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// Cleanup deletes samples older than Retention, as measured from now.
func (s *Store) Cleanup(now time.Time) (int64, error) {
	cutoff := now.Add(-Retention)
	res := s.db.Where("timestamp < ?", cutoff).Delete(&sampleRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("cleanup stats samples: %w", res.Error)
	}
	return res.RowsAffected, nil
}
