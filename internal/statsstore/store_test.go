package statsstore

import (
	"path/filepath"
	"testing"
	"time"

	"tunnelgate/internal/model"
)

func int64Ptr(v int64) *int64 { return &v }

func TestInsertAndQuerySummary(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	samples := []model.StatsSample{
		{ServerID: "srv-1", Timestamp: now.Add(-50 * time.Minute), UptimeSec: 1500, LatencyMs: int64Ptr(20)},
		{ServerID: "srv-1", Timestamp: now.Add(-20 * time.Minute), UptimeSec: 1200, LatencyMs: int64Ptr(40), ReconnectCount: 1, DisconnectReason: "network_offline"},
		{ServerID: "srv-2", Timestamp: now.Add(-10 * time.Minute), UptimeSec: 600},
	}
	for _, sample := range samples {
		if err := s.InsertSample(sample); err != nil {
			t.Fatalf("InsertSample: %v", err)
		}
	}

	summary, err := s.Query("srv-1", model.Period1h, now)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(summary.DataPoints) != 2 {
		t.Fatalf("got %d data points, want 2", len(summary.DataPoints))
	}
	if summary.TotalUptime != 2700 {
		t.Fatalf("got total uptime %d, want 2700", summary.TotalUptime)
	}
	if summary.AvgLatencyMs == nil || *summary.AvgLatencyMs != 30 {
		t.Fatalf("got avg latency %v, want 30", summary.AvgLatencyMs)
	}
	if summary.ReconnectCount != 1 {
		t.Fatalf("got reconnect count %d, want 1", summary.ReconnectCount)
	}
	if summary.DisconnectReasons["network_offline"] != 1 {
		t.Fatalf("disconnect reasons: %+v", summary.DisconnectReasons)
	}
	if summary.UptimePercent <= 0 || summary.UptimePercent > 100 {
		t.Fatalf("uptime percent out of range: %v", summary.UptimePercent)
	}
}

func TestQueryUnknownServerReturnsEmptySummary(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	summary, err := s.Query("nonexistent", model.Period24h, time.Now())
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(summary.DataPoints) != 0 || summary.TotalUptime != 0 {
		t.Fatalf("expected empty summary, got %+v", summary)
	}
}

func TestCleanupRemovesSamplesOlderThanRetention(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	old := model.StatsSample{ServerID: "srv-1", Timestamp: now.Add(-10 * 24 * time.Hour), UptimeSec: 10}
	recent := model.StatsSample{ServerID: "srv-1", Timestamp: now.Add(-1 * time.Hour), UptimeSec: 10}
	if err := s.InsertSample(old); err != nil {
		t.Fatalf("InsertSample old: %v", err)
	}
	if err := s.InsertSample(recent); err != nil {
		t.Fatalf("InsertSample recent: %v", err)
	}

	removed, err := s.Cleanup(now)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("got %d removed, want 1", removed)
	}

	summary, err := s.Query("srv-1", model.Period7d, now)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(summary.DataPoints) != 1 {
		t.Fatalf("got %d remaining samples, want 1", len(summary.DataPoints))
	}
}

func TestUptimePercentClampedToHundred(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	// Deliberately over-report uptime beyond the window length.
	if err := s.InsertSample(model.StatsSample{ServerID: "srv-1", Timestamp: now.Add(-30 * time.Minute), UptimeSec: 999999}); err != nil {
		t.Fatalf("InsertSample: %v", err)
	}

	summary, err := s.Query("srv-1", model.Period1h, now)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if summary.UptimePercent != 100 {
		t.Fatalf("got uptime percent %v, want clamped to 100", summary.UptimePercent)
	}
}
