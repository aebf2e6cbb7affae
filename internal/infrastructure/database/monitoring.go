package database

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Monitor reports database health and the growth of the audit tables
type Monitor struct {
	pool   *ConnectionPool
	logger *zap.Logger
	// ConnectionThreshold is the pool utilization percentage above which
	// the database is reported degraded
	ConnectionThreshold float64
}

// HealthReport is the result of a health check
type HealthReport struct {
	Healthy   bool          `json:"healthy"`
	Degraded  bool          `json:"degraded"`
	Latency   time.Duration `json:"latency"`
	Pool      PoolStats     `json:"pool"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// TableStats describes one audit table
type TableStats struct {
	TableName      string     `json:"table_name"`
	TotalSize      int64      `json:"total_size"`
	IndexSize      int64      `json:"index_size"`
	LiveTuples     int64      `json:"live_tuples"`
	DeadTuples     int64      `json:"dead_tuples"`
	LastAutovacuum *time.Time `json:"last_autovacuum,omitempty"`
	LastAnalyze    *time.Time `json:"last_analyze,omitempty"`
}

// NewMonitor creates a monitor over pool
func NewMonitor(pool *ConnectionPool, logger *zap.Logger) *Monitor {
	return &Monitor{
		pool:                pool,
		logger:              logger.Named("db_monitor"),
		ConnectionThreshold: 80,
	}
}

// Health pings the server and reports pool utilization
func (m *Monitor) Health(ctx context.Context) *HealthReport {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	err := m.pool.Pool().Ping(ctx)
	report := &HealthReport{
		Healthy:   err == nil,
		Latency:   time.Since(start),
		Pool:      m.pool.Stats(),
		CheckedAt: start.UTC(),
	}
	if err != nil {
		report.Error = err.Error()
		m.logger.Warn("database health check failed", zap.Error(err))
		return report
	}

	if report.Pool.MaxConns > 0 {
		utilization := float64(report.Pool.AcquiredConns) / float64(report.Pool.MaxConns) * 100
		report.Degraded = utilization > m.ConnectionThreshold
	}
	if report.Pool.CircuitState != CircuitClosed {
		report.Degraded = true
	}
	return report
}

// TableStats returns size and vacuum statistics of the audit tables,
// largest first
func (m *Monitor) TableStats(ctx context.Context) ([]TableStats, error) {
	rows, err := m.pool.Pool().Query(ctx, `
		SELECT relname,
		       pg_total_relation_size(relid),
		       pg_indexes_size(relid),
		       n_live_tup,
		       n_dead_tup,
		       last_autovacuum,
		       last_analyze
		FROM pg_stat_user_tables
		WHERE relname = ANY($1)
		ORDER BY pg_total_relation_size(relid) DESC`, auditTables)
	if err != nil {
		return nil, wrapError(err, "read table stats")
	}
	defer rows.Close()

	var stats []TableStats
	for rows.Next() {
		var s TableStats
		if err := rows.Scan(&s.TableName, &s.TotalSize, &s.IndexSize, &s.LiveTuples, &s.DeadTuples,
			&s.LastAutovacuum, &s.LastAnalyze); err != nil {
			return nil, wrapError(err, "scan table stats")
		}
		stats = append(stats, s)
	}
	return stats, wrapError(rows.Err(), "read table stats")
}

var auditTables = []string{
	"ledger_heads",
	"ledger_entries",
	"evidence_records",
	"evidence_annotations",
	"audit_runs",
	"findings",
	"lock_states",
	"credit_notes",
	"auditor_sessions",
	"auditor_action_log",
	"financial_records",
}
