// Package audit keeps a local journal of recognition decisions for reviewing
// false accepts and false rejects after the fact.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kozaktomas/face-attendance/internal/decision"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Store is the decision journal backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Entry is one journaled decision.
type Entry struct {
	ID         int64
	RecordedAt time.Time
	SessionID  string
	Decision   decision.Decision
}

// LabelSummary aggregates the journal per label.
type LabelSummary struct {
	Label         string
	Accepted      int
	Rejected      int
	AvgConfidence float64
	AvgRawScore   float64
}

// Open initializes or connects to the journal at path and applies migrations.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("audit database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path, now: time.Now}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := range busyRetryAttempts {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, busyRetryMaxBackoff)
	}
	return lastErr
}

// Record appends a decision. It satisfies recognition.Journal.
func (s *Store) Record(ctx context.Context, sessionID string, d decision.Decision) error {
	recordedAt := s.now().UTC().Format(time.RFC3339Nano)
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO decisions (
                recorded_at, session_id, label, profile_index, accepted, rule, reason,
                raw_score, confidence, margin, relative_margin_pct, required_margin_pct,
                absolute_threshold, threshold_relief, margin_relaxation, scale_ratio,
                confidence_adjustment, borderline_quality
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			recordedAt, sessionID, d.Label, d.ProfileIndex, boolToInt(d.Accepted), string(d.Rule), d.Reason,
			d.RawScore, d.Confidence, d.Margin, d.RelativeMarginPct, d.RequiredMarginPct,
			d.AbsoluteThreshold, d.ThresholdRelief, d.MarginRelaxation, d.ScaleRatio,
			d.ConfidenceAdjustment, boolToInt(d.BorderlineQuality),
		)
		if err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
		return nil
	})
}

// Recent returns the newest limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recorded_at, session_id, label, profile_index, accepted, rule, reason,
                raw_score, confidence, margin, relative_margin_pct, required_margin_pct,
                absolute_threshold, threshold_relief, margin_relaxation, scale_ratio,
                confidence_adjustment, borderline_quality
         FROM decisions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                    Entry
			recordedAt, rule     string
			accepted, borderline int
		)
		d := &e.Decision
		if err := rows.Scan(&e.ID, &recordedAt, &e.SessionID, &d.Label, &d.ProfileIndex, &accepted, &rule, &d.Reason,
			&d.RawScore, &d.Confidence, &d.Margin, &d.RelativeMarginPct, &d.RequiredMarginPct,
			&d.AbsoluteThreshold, &d.ThresholdRelief, &d.MarginRelaxation, &d.ScaleRatio,
			&d.ConfidenceAdjustment, &borderline); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parse recorded_at %q: %w", recordedAt, err)
		}
		d.Accepted = accepted != 0
		d.BorderlineQuality = borderline != 0
		d.Rule = decision.Rule(rule)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return entries, nil
}

// Summary counts accepts and rejects per best-candidate label.
func (s *Store) Summary(ctx context.Context) ([]LabelSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT label,
                SUM(CASE WHEN accepted = 1 THEN 1 ELSE 0 END),
                SUM(CASE WHEN accepted = 0 THEN 1 ELSE 0 END),
                AVG(confidence),
                AVG(raw_score)
         FROM decisions GROUP BY label ORDER BY label`)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	var out []LabelSummary
	for rows.Next() {
		var ls LabelSummary
		if err := rows.Scan(&ls.Label, &ls.Accepted, &ls.Rejected, &ls.AvgConfidence, &ls.AvgRawScore); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, ls)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
