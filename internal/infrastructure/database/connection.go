package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/config"
)

// ConnectionPool wraps the pgx pool the repositories share, with a circuit
// breaker over transaction failures
type ConnectionPool struct {
	pool           *pgxpool.Pool
	logger         *zap.Logger
	metrics        *connectionMetrics
	circuitBreaker *CircuitBreaker
}

type connectionMetrics struct {
	mu sync.RWMutex

	TotalConnections       int64
	TransactionsStarted    int64
	TransactionsCommitted  int64
	TransactionsRolledBack int64
}

// CircuitBreaker stops handing out connections after repeated failures
type CircuitBreaker struct {
	mu              sync.Mutex
	failureCount    int
	lastFailureTime time.Time
	state           CircuitState
	timeout         time.Duration
	threshold       int
}

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// NewConnectionPool connects to cfg.URL and pings the server
func NewConnectionPool(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*ConnectionPool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	p := &ConnectionPool{
		logger:         logger.Named("database"),
		metrics:        &connectionMetrics{},
		circuitBreaker: NewCircuitBreaker(10, 30*time.Second),
	}
	p.configurePgxPool(poolConfig, cfg)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	p.pool, err = pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := p.pool.Ping(ctx); err != nil {
		p.pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p.logger.Info("database connection pool initialized",
		zap.Int32("max_connections", poolConfig.MaxConns))
	return p, nil
}

func (p *ConnectionPool) configurePgxPool(poolConfig *pgxpool.Config, cfg config.DatabaseConfig) {
	poolConfig.MaxConns = 25
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 2
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	poolConfig.MaxConnLifetime = 30 * time.Minute
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolConfig.MaxConnIdleTime = 10 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.ConnectTimeout = 5 * time.Second

	// Ledger appends hold a row lock on the chain head, so lock waits are
	// bounded well below the statement timeout.
	poolConfig.ConnConfig.RuntimeParams = map[string]string{
		"application_name":                    "proaudit",
		"timezone":                            "UTC",
		"lock_timeout":                        "5s",
		"statement_timeout":                   "30s",
		"idle_in_transaction_session_timeout": "60s",
		"default_transaction_isolation":       "read committed",
		"synchronous_commit":                  "on",
	}

	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		p.metrics.mu.Lock()
		p.metrics.TotalConnections++
		p.metrics.mu.Unlock()
		return nil
	}

	poolConfig.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		return p.circuitBreaker.Allow()
	}
}

// Pool returns the underlying pgx pool
func (p *ConnectionPool) Pool() *pgxpool.Pool {
	return p.pool
}

// Transaction executes fn within a read committed transaction
func (p *ConnectionPool) Transaction(ctx context.Context, fn func(pgx.Tx) error) error {
	return p.TransactionWithOptions(ctx, pgx.TxOptions{}, fn)
}

// TransactionWithOptions executes fn within a transaction with options
func (p *ConnectionPool) TransactionWithOptions(ctx context.Context, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	p.metrics.mu.Lock()
	p.metrics.TransactionsStarted++
	p.metrics.mu.Unlock()

	err := pgx.BeginTxFunc(ctx, p.pool, opts, fn)

	p.metrics.mu.Lock()
	if err != nil {
		p.metrics.TransactionsRolledBack++
	} else {
		p.metrics.TransactionsCommitted++
	}
	p.metrics.mu.Unlock()

	if err != nil && isConnectionFailure(err) {
		p.circuitBreaker.RecordFailure()
	} else {
		p.circuitBreaker.RecordSuccess()
	}
	return err
}

// PoolStats is a point-in-time view of the pool and transaction counters
type PoolStats struct {
	TotalConnections       int64        `json:"total_connections"`
	AcquiredConns          int32        `json:"acquired_conns"`
	IdleConns              int32        `json:"idle_conns"`
	MaxConns               int32        `json:"max_conns"`
	TransactionsStarted    int64        `json:"transactions_started"`
	TransactionsCommitted  int64        `json:"transactions_committed"`
	TransactionsRolledBack int64        `json:"transactions_rolled_back"`
	CircuitState           CircuitState `json:"circuit_state"`
}

// Stats returns the current pool statistics
func (p *ConnectionPool) Stats() PoolStats {
	stat := p.pool.Stat()

	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolStats{
		TotalConnections:       p.metrics.TotalConnections,
		AcquiredConns:          stat.AcquiredConns(),
		IdleConns:              stat.IdleConns(),
		MaxConns:               stat.MaxConns(),
		TransactionsStarted:    p.metrics.TransactionsStarted,
		TransactionsCommitted:  p.metrics.TransactionsCommitted,
		TransactionsRolledBack: p.metrics.TransactionsRolledBack,
		CircuitState:           p.circuitBreaker.State(),
	}
}

// DB returns a database/sql handle over the same pool for tooling that
// needs one
func (p *ConnectionPool) DB() *sql.DB {
	return stdlib.OpenDBFromPool(p.pool)
}

// Close closes all database connections
func (p *ConnectionPool) Close() {
	p.pool.Close()
	p.logger.Info("database connection pool closed")
}

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// NewCircuitBreaker opens after threshold consecutive connection failures
// and lets a trial request through once timeout has passed
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, timeout: timeout, state: CircuitClosed}
}

// Allow reports whether a connection may be handed out
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) > cb.timeout {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	}
	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.state = CircuitClosed
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = time.Now()

	if cb.failureCount >= cb.threshold {
		cb.state = CircuitOpen
	}
}

// State returns the breaker's current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
