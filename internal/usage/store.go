// Package usage keeps a SQLite ledger of metered feature consumption for
// reporting. The sealed quota file remains authoritative for enforcement;
// this ledger only feeds the usage report, so every write is best-effort.
package usage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DBFileName is the ledger database inside the data directory.
const DBFileName = "usage.db"

const dayLayout = "2006-01-02"

// DayTotal is one (UTC day, feature) consumption row.
type DayTotal struct {
	Day     string `json:"day"`
	Feature string `json:"feature"`
	Granted int    `json:"granted"`
}

// Store provides the consumption ledger.
type Store struct {
	db *sql.DB

	now func() time.Time
}

// NewStore opens (or creates) the ledger in the data directory.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize usage schema: %w", err)
	}

	log.Debug().Str("path", dbPath).Msg("Usage ledger opened")
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS feature_usage (
			day TEXT NOT NULL,
			feature TEXT NOT NULL,
			granted INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (day, feature)
		);

		CREATE INDEX IF NOT EXISTS idx_feature_usage_day
		ON feature_usage(day);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record adds granted units for a feature under the current UTC day.
// Failures are logged and swallowed; enforcement already happened.
func (s *Store) Record(feature string, granted int) {
	if granted <= 0 || feature == "" {
		return
	}
	day := s.now().UTC().Format(dayLayout)
	_, err := s.db.Exec(`
		INSERT INTO feature_usage (day, feature, granted) VALUES (?, ?, ?)
		ON CONFLICT(day, feature) DO UPDATE SET granted = granted + excluded.granted`,
		day, feature, granted)
	if err != nil {
		log.Warn().Err(err).Str("feature", feature).Msg("Failed to record feature usage")
	}
}

// Totals returns per-day, per-feature consumption for the last N days,
// newest day first.
func (s *Store) Totals(days int) ([]DayTotal, error) {
	if days <= 0 {
		days = 7
	}
	since := s.now().UTC().AddDate(0, 0, -(days - 1)).Format(dayLayout)

	rows, err := s.db.Query(`
		SELECT day, feature, granted FROM feature_usage
		WHERE day >= ?
		ORDER BY day DESC, feature ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("query usage totals: %w", err)
	}
	defer rows.Close()

	var totals []DayTotal
	for rows.Next() {
		var t DayTotal
		if err := rows.Scan(&t.Day, &t.Feature, &t.Granted); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
