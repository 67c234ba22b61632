package license

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/droidbay/droidbay/pkg/licensing"
)

// ChangeHistoryFileName is the append-only entitlement audit log.
const ChangeHistoryFileName = "entitlement-history.jsonl"

// historyMaxCache bounds the in-memory tail of the audit log.
const historyMaxCache = 200

// ChangeHistoryEntry is one line of the audit log. Keys are stored masked;
// the log is for support bundles and the UI's history panel, not recovery.
type ChangeHistoryEntry struct {
	EventID        string           `json:"event_id"`
	Timestamp      time.Time        `json:"timestamp"`
	Reason         ChangeReason     `json:"reason"`
	MaskedKey      string           `json:"masked_key,omitempty"`
	PreviousStatus licensing.Status `json:"previous_status"`
	NewStatus      licensing.Status `json:"new_status"`
	PreviousTier   licensing.Tier   `json:"previous_tier"`
	NewTier        licensing.Tier   `json:"new_tier"`
	Offline        bool             `json:"offline"`
}

// ChangeHistory records entitlement changes as JSONL.
type ChangeHistory struct {
	logPath string
	mu      sync.RWMutex
	cache   []ChangeHistoryEntry
}

// NewChangeHistory opens (or starts) the audit log in the data directory.
func NewChangeHistory(dataDir string) (*ChangeHistory, error) {
	if err := ensureOwnerOnlyDir(dataDir); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	h := &ChangeHistory{
		logPath: filepath.Join(dataDir, ChangeHistoryFileName),
		cache:   make([]ChangeHistoryEntry, 0, historyMaxCache),
	}
	if err := h.loadCache(); err != nil {
		log.Warn().Err(err).Msg("Failed to load entitlement history")
	}
	return h, nil
}

// Record appends a change to the log. Best-effort: the caller's operation
// already succeeded, so failures here are logged and swallowed.
func (h *ChangeHistory) Record(change Change) {
	entry := ChangeHistoryEntry{
		EventID:        ulid.Make().String(),
		Timestamp:      change.Timestamp,
		Reason:         change.Reason,
		PreviousStatus: change.Previous.Status,
		NewStatus:      change.Current.Status,
		PreviousTier:   change.Previous.Tier,
		NewTier:        change.Current.Tier,
		Offline:        change.Current.Offline,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	switch {
	case !change.Current.Empty():
		entry.MaskedKey = change.Current.MaskedKey()
	case !change.Previous.Empty():
		entry.MaskedKey = change.Previous.MaskedKey()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.appendToFile(entry); err != nil {
		log.Warn().Err(err).Str("reason", string(entry.Reason)).Msg("Failed to append entitlement history entry")
		return
	}
	h.cache = append(h.cache, entry)
	if len(h.cache) > historyMaxCache {
		h.cache = h.cache[len(h.cache)-historyMaxCache:]
	}
}

// Recent returns up to limit entries, newest first.
func (h *ChangeHistory) Recent(limit int) []ChangeHistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 || limit > len(h.cache) {
		limit = len(h.cache)
	}
	result := make([]ChangeHistoryEntry, 0, limit)
	for i := len(h.cache) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, h.cache[i])
	}
	return result
}

// loadCache reads the JSONL tail into memory, skipping corrupt lines.
func (h *ChangeHistory) loadCache() error {
	file, err := os.Open(h.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	entries := make([]ChangeHistoryEntry, 0)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var entry ChangeHistoryEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			log.Warn().Err(err).Msg("Skipping corrupt entitlement history line")
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if len(entries) > historyMaxCache {
		entries = entries[len(entries)-historyMaxCache:]
	}
	h.cache = entries
	return nil
}

func (h *ChangeHistory) appendToFile(entry ChangeHistoryEntry) error {
	file, err := os.OpenFile(h.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, privateFilePerm)
	if err != nil {
		return err
	}
	defer file.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = file.Write(append(data, '\n'))
	return err
}
