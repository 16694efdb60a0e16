package execution

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"dhan-autoexit/internal/exitrule"
	"dhan-autoexit/internal/model"
)

// ExitRecord is one exit submission attempt as stored in the journal.
// Prices are kept as decimal text.
type ExitRecord struct {
	ID            int64     `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	OrderID       string    `json:"order_id"`
	Segment       string    `json:"segment"`
	SecurityID    string    `json:"security_id"`
	TradingSymbol string    `json:"trading_symbol"`
	Qty           int64     `json:"qty"`
	Reason        string    `json:"reason"`
	Outcome       string    `json:"outcome"`
	Status        string    `json:"status"`
	Entry         string    `json:"entry"`
	TriggerPrice  string    `json:"trigger_price"`
	Target        string    `json:"target"`
	Stop          string    `json:"stop"`
	Error         string    `json:"error,omitempty"`
	DryRun        bool      `json:"dry_run"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// NewExitRecord flattens one submission for storage.
func NewExitRecord(pos model.Position, dec exitrule.Decision, res Result, dryRun bool, at time.Time) ExitRecord {
	rec := ExitRecord{
		CorrelationID: res.Request.CorrelationID,
		OrderID:       res.Order.OrderID,
		Segment:       string(pos.Segment),
		SecurityID:    pos.SecurityID,
		TradingSymbol: pos.TradingSymbol,
		Qty:           res.Request.Quantity,
		Reason:        string(dec.Reason),
		Outcome:       string(res.Outcome),
		Status:        res.Order.Status,
		Entry:         dec.State.Entry.String(),
		TriggerPrice:  dec.Price.String(),
		Target:        dec.State.Target.String(),
		DryRun:        dryRun,
		SubmittedAt:   at.UTC(),
	}
	if dec.State.HasStop {
		rec.Stop = dec.State.Stop.String()
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return rec
}

// Journal is an append-only SQLite audit log of exit submissions. It is
// never read back to rebuild monitoring state.
type Journal struct {
	mu  sync.Mutex
	db  *sql.DB
	log *zap.Logger
}

// NewJournal opens (or creates) a SQLite journal database.
func NewJournal(dbPath string, log *zap.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS exit_orders (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		correlation_id TEXT NOT NULL,
		order_id       TEXT,
		segment        TEXT NOT NULL,
		security_id    TEXT NOT NULL,
		trading_symbol TEXT,
		qty            INTEGER NOT NULL,
		reason         TEXT NOT NULL,
		outcome        TEXT NOT NULL,
		status         TEXT,
		entry          TEXT,
		trigger_price  TEXT,
		target         TEXT,
		stop           TEXT,
		error          TEXT,
		dry_run        INTEGER NOT NULL DEFAULT 0,
		submitted_at   TEXT NOT NULL,
		created_at     DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_exit_orders_instrument ON exit_orders(segment, security_id);
	CREATE INDEX IF NOT EXISTS idx_exit_orders_submitted_at ON exit_orders(submitted_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	if log == nil {
		log = zap.NewNop()
	}
	log.Named("journal").Info("opened exit journal", zap.String("path", dbPath))
	return &Journal{db: db, log: log.Named("journal")}, nil
}

// Record appends one submission attempt.
func (j *Journal) Record(ctx context.Context, rec ExitRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO exit_orders (correlation_id, order_id, segment, security_id, trading_symbol, qty,
		   reason, outcome, status, entry, trigger_price, target, stop, error, dry_run, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CorrelationID, rec.OrderID, rec.Segment, rec.SecurityID, rec.TradingSymbol, rec.Qty,
		rec.Reason, rec.Outcome, rec.Status, rec.Entry, rec.TriggerPrice, rec.Target, rec.Stop,
		rec.Error, rec.DryRun, rec.SubmittedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert exit record: %w", err)
	}
	return nil
}

// Recent returns the last limit records, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]ExitRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, correlation_id, COALESCE(order_id, ''), segment, security_id, COALESCE(trading_symbol, ''),
		        qty, reason, outcome, COALESCE(status, ''), COALESCE(entry, ''), COALESCE(trigger_price, ''),
		        COALESCE(target, ''), COALESCE(stop, ''), COALESCE(error, ''), dry_run, submitted_at
		 FROM exit_orders ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query exit records: %w", err)
	}
	defer rows.Close()

	var out []ExitRecord
	for rows.Next() {
		var r ExitRecord
		var ts string
		if err := rows.Scan(&r.ID, &r.CorrelationID, &r.OrderID, &r.Segment, &r.SecurityID, &r.TradingSymbol,
			&r.Qty, &r.Reason, &r.Outcome, &r.Status, &r.Entry, &r.TriggerPrice,
			&r.Target, &r.Stop, &r.Error, &r.DryRun, &ts); err != nil {
			j.log.Warn("skip unreadable exit record", zap.Error(err))
			continue
		}
		r.SubmittedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DB exposes the handle for health probes.
func (j *Journal) DB() *sql.DB { return j.db }

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
