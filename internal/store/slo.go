package store

import (
	"fmt"
	"log/slog"
	"time"
)

// RecordSLOSample appends one throughput observation for a completed bulk
// operation. Throughput is records/second, 0 when the duration is 0.
func (s *Store) RecordSLOSample(opType string, recordCount int, duration time.Duration, chunkSize int) error {
	seconds := duration.Seconds()
	throughput := 0.0
	if seconds > 0 {
		throughput = float64(recordCount) / seconds
	}
	_, err := s.writer.Execute(`
		INSERT INTO slo_metrics (operation_type, record_count, duration_seconds, chunk_size, throughput_per_second, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, opType, recordCount, seconds, chunkSize, throughput, nowStamp())
	if err != nil {
		return fmt.Errorf("insert slo sample: %w", err)
	}
	return nil
}

// OptimalChunkSize recommends a chunk size for an operation from recent
// history: samples of the same operation type whose record count falls
// within ±20% of the target, taken in the trailing 7 days, grouped by
// chunk size; the size with the highest average throughput wins. With no
// qualifying history, or on any query failure, a static default is
// returned instead.
func (s *Store) OptimalChunkSize(opType string, recordCount int) int {
	var chunkSize int
	var avg float64
	err := s.db.Read.QueryRow(`
		SELECT chunk_size, AVG(throughput_per_second) AS avg_throughput
		FROM slo_metrics
		WHERE operation_type = ?
		  AND record_count BETWEEN ? * 0.8 AND ? * 1.2
		  AND created_at > strftime('%Y-%m-%dT%H:%M:%f', 'now', '-7 days')
		GROUP BY chunk_size
		ORDER BY avg_throughput DESC
		LIMIT 1
	`, opType, recordCount, recordCount).Scan(&chunkSize, &avg)
	if err != nil || avg <= 0 || chunkSize <= 0 {
		if err != nil {
			slog.Debug("chunk size lookup fell back to default", "operation_type", opType, "error", err)
		}
		return defaultChunkSize(opType)
	}
	return chunkSize
}

func defaultChunkSize(opType string) int {
	if opType == OpBulkAddAll {
		return DefaultChunkSetBased
	}
	return DefaultChunkDiscrete
}
