package license

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultDailyAnalysisQuota is the free-tier allowance of cloud
	// analysis runs per UTC day.
	DefaultDailyAnalysisQuota = 10

	// QuotaFileName is the sealed quota state file.
	QuotaFileName = "quota.enc"

	quotaSchemaVersion = 1
	quotaDayLayout     = "2006-01-02"
)

// quotaRecord is the on-disk quota state inside the sealed file.
type quotaRecord struct {
	SchemaVersion int    `json:"schema_version"`
	Day           string `json:"day"` // UTC date
	Used          int    `json:"used"`
}

// QuotaCounter tracks daily consumption of a metered feature. The day
// flips at UTC midnight regardless of the local timezone, matching the
// server's own accounting. Persistence is sealed like the entitlement
// cache and written asynchronously; losing a write costs at most a few
// free analyses, never a paid feature.
type QuotaCounter struct {
	mu    sync.Mutex
	limit int
	used  int
	day   string

	path   string
	sealer *sealer

	saving bool
	dirty  bool

	now func() time.Time
}

// NewQuotaCounter creates the counter and restores persisted state. When
// sealing is unavailable the counter still enforces the limit in memory
// for the lifetime of the process.
func NewQuotaCounter(dataDir string, limit int) *QuotaCounter {
	if limit <= 0 {
		limit = DefaultDailyAnalysisQuota
	}
	q := &QuotaCounter{
		limit: limit,
		path:  filepath.Join(dataDir, QuotaFileName),
		now:   time.Now,
	}
	var err error
	q.sealer, err = newSealer(dataDir)
	if err != nil {
		log.Warn().Err(err).Msg("Quota persistence disabled, counting in memory only")
	}
	q.load()
	if q.day != q.currentDay() {
		q.day = q.currentDay()
		q.used = 0
	}
	return q
}

func (q *QuotaCounter) currentDay() string {
	return q.now().UTC().Format(quotaDayLayout)
}

// rolloverLocked resets the counter when the UTC day changed.
func (q *QuotaCounter) rolloverLocked() {
	day := q.currentDay()
	if q.day != day {
		q.day = day
		q.used = 0
	}
}

// Limit returns the configured daily allowance.
func (q *QuotaCounter) Limit() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limit
}

// RemainingToday returns how many units are left in the current UTC day.
func (q *QuotaCounter) RemainingToday() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.rolloverLocked()
	remaining := q.limit - q.used
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TryConsumeOne consumes a single unit if one is available.
func (q *QuotaCounter) TryConsumeOne() bool {
	return q.ConsumeBatch(1) == 1
}

// ConsumeBatch consumes up to n units and returns how many were actually
// granted. Requests for zero or negative amounts grant nothing.
func (q *QuotaCounter) ConsumeBatch(n int) int {
	if n <= 0 {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.rolloverLocked()
	available := q.limit - q.used
	if available <= 0 {
		return 0
	}
	granted := n
	if granted > available {
		granted = available
	}
	q.used += granted
	q.persistAsyncLocked()
	return granted
}

// persistAsyncLocked schedules a background write. A single writer drains
// the dirty flag so bursts collapse into the latest state.
func (q *QuotaCounter) persistAsyncLocked() {
	q.dirty = true
	if q.saving || q.sealer == nil {
		return
	}
	q.saving = true
	go q.persistLoop()
}

func (q *QuotaCounter) persistLoop() {
	for {
		q.mu.Lock()
		if !q.dirty {
			q.saving = false
			q.mu.Unlock()
			return
		}
		q.dirty = false
		record := quotaRecord{SchemaVersion: quotaSchemaVersion, Day: q.day, Used: q.used}
		q.mu.Unlock()

		if err := q.write(record); err != nil {
			log.Debug().Err(err).Msg("Failed to persist quota state")
		}
	}
}

// Flush writes the current state synchronously. Called on shutdown.
func (q *QuotaCounter) Flush() error {
	q.mu.Lock()
	record := quotaRecord{SchemaVersion: quotaSchemaVersion, Day: q.day, Used: q.used}
	q.dirty = false
	q.mu.Unlock()

	if q.sealer == nil {
		return nil
	}
	return q.write(record)
}

func (q *QuotaCounter) write(record quotaRecord) error {
	jsonData, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal quota state: %w", err)
	}
	sealed, err := q.sealer.seal(jsonData)
	if err != nil {
		return fmt.Errorf("seal quota state: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(sealed)
	if err := writeOwnerOnlyFileAtomic(q.path, []byte(encoded)); err != nil {
		return fmt.Errorf("write quota state: %w", err)
	}
	return nil
}

// load restores persisted state. Anything unusable resets to a fresh
// counter; a corrupt quota file must never block the app from starting.
func (q *QuotaCounter) load() {
	if q.sealer == nil {
		return
	}
	encoded, err := readBoundedRegularFile(q.path, maxCacheFileSize)
	if err != nil {
		if !isMissingPathError(err) {
			log.Debug().Err(err).Msg("Failed to read quota state, starting fresh")
		}
		return
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		log.Debug().Err(err).Msg("Discarding undecodable quota state")
		return
	}
	jsonData, err := q.sealer.open(sealed)
	if err != nil {
		log.Debug().Err(err).Msg("Discarding unsealable quota state")
		return
	}
	var record quotaRecord
	if err := json.Unmarshal(jsonData, &record); err != nil || record.SchemaVersion != quotaSchemaVersion {
		log.Debug().Msg("Discarding quota state with unknown schema")
		return
	}
	if record.Used < 0 || record.Day == "" {
		return
	}
	q.day = record.Day
	q.used = record.Used
}
