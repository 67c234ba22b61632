package license

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/hkdf"

	"github.com/droidbay/droidbay/pkg/licensing"
)

const (
	// EntitlementCacheFileName is the sealed offline entitlement file.
	EntitlementCacheFileName = "entitlement.enc"
	// SealKeyFileName holds the per-installation sealing key. It lives in
	// the data directory and survives OS reinstalls of the app itself.
	SealKeyFileName = ".entitlement-key"

	cacheSchemaVersion = 2

	privateDirPerm     = 0o700
	privateFilePerm    = 0o600
	maxSealKeyFileSize = 4096
	maxCacheFileSize   = 1 << 20 // 1 MiB
)

var (
	errNoCache         = errors.New("no cached entitlement")
	errCacheInvalid    = errors.New("cached entitlement invalid")
	errUnsafeCachePath = errors.New("unsafe cache path")

	// ErrSealingUnavailable means the sealing key could not be created or
	// read. The cache then refuses to operate at all: entitlements are
	// never written to disk in a form another user could read or forge.
	ErrSealingUnavailable = errors.New("entitlement sealing unavailable")
)

func isMissingPathError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func ensureOwnerOnlyDir(dir string) error {
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return err
	}
	return os.Chmod(dir, privateDirPerm)
}

func validateRegularFile(path string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: refusing symlink path %q", errUnsafeCachePath, path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: non-regular path %q", errUnsafeCachePath, path)
	}
	return nil
}

func readBoundedRegularFile(path string, maxSize int64) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if err := validateRegularFile(path, info); err != nil {
		return nil, err
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%w: file %q exceeds size limit (%d bytes)", errUnsafeCachePath, path, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: file %q exceeded size limit while reading", errUnsafeCachePath, path)
	}
	return data, nil
}

func writeOwnerOnlyFileAtomic(path string, data []byte) error {
	if err := ensureOwnerOnlyDir(filepath.Dir(path)); err != nil {
		return err
	}

	if info, err := os.Lstat(path); err == nil {
		if err := validateRegularFile(path, info); err != nil {
			return err
		}
	} else if !isMissingPathError(err) {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(privateFilePerm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return os.Chmod(path, privateFilePerm)
}

// sealer encrypts cache records with AES-GCM. The key is derived with
// HKDF from a random per-installation secret, salted with the machine id
// so a straight file copy to another machine decrypts nothing.
type sealer struct {
	key []byte
}

func newSealer(dataDir string) (*sealer, error) {
	secret, err := ensureSealSecret(dataDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealingUnavailable, err)
	}

	machineID, err := getMachineID()
	if err != nil {
		machineID = "droidbay-no-machine-id"
	}

	kdf := hkdf.New(sha256.New, secret, []byte(machineID), []byte("droidbay-entitlement-seal-v2"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrSealingUnavailable, err)
	}
	return &sealer{key: key}, nil
}

// ensureSealSecret loads the sealing secret, creating it on first use.
func ensureSealSecret(dataDir string) ([]byte, error) {
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		return nil, errors.New("data directory cannot be empty")
	}
	if err := ensureOwnerOnlyDir(dataDir); err != nil {
		return nil, fmt.Errorf("secure data directory: %w", err)
	}

	keyPath := filepath.Join(dataDir, SealKeyFileName)
	data, err := readBoundedRegularFile(keyPath, maxSealKeyFileSize)
	if err == nil {
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return nil, errors.New("sealing key file is empty")
		}
		if err := os.Chmod(keyPath, privateFilePerm); err != nil {
			return nil, fmt.Errorf("secure sealing key file: %w", err)
		}
		return []byte(secret), nil
	}
	if !isMissingPathError(err) {
		return nil, fmt.Errorf("load sealing key: %w", err)
	}

	secretBytes := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secretBytes); err != nil {
		return nil, fmt.Errorf("generate sealing key: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	if err := writeOwnerOnlyFileAtomic(keyPath, []byte(secret)); err != nil {
		return nil, fmt.Errorf("write sealing key: %w", err)
	}
	return []byte(secret), nil
}

func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *sealer) open(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes, need at least %d", len(ciphertext), gcm.NonceSize())
	}
	nonce := ciphertext[:gcm.NonceSize()]
	data := ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}
	return plaintext, nil
}

// cachedEntitlement is the on-disk record inside the sealed cache file.
type cachedEntitlement struct {
	SchemaVersion     int    `json:"schema_version"`
	LicenseKey        string `json:"license_key"`
	Tier              int    `json:"tier"`
	Status            string `json:"status"`
	ExpiresAt         int64  `json:"expires_at,omitempty"` // Unix seconds, 0 = perpetual
	LastValidated     int64  `json:"last_validated"`
	DeviceFingerprint string `json:"device_fingerprint"`
	ServerTimestamp   int64  `json:"server_timestamp,omitempty"`
	Signature         string `json:"signature,omitempty"`
	Checksum          string `json:"checksum"`
}

// computeChecksum covers every field that affects entitlement decisions.
// GCM already authenticates the blob; the checksum additionally catches a
// record resealed by other tooling against the wrong field set.
func (c cachedEntitlement) computeChecksum() string {
	material := fmt.Sprintf("%s|%d|%s|%d|%d|%s|%d",
		c.LicenseKey, c.Tier, c.Status, c.ExpiresAt, c.LastValidated, c.DeviceFingerprint, c.SchemaVersion)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// Cache persists the last known-good entitlement, sealed to this machine
// and this user. Construction never fails: when sealing is unavailable the
// cache operates fail-closed and every save/load reports that.
type Cache struct {
	dataDir     string
	fingerprint string
	sealer      *sealer
	sealErr     error
}

// NewCache creates the entitlement cache for a data directory.
func NewCache(dataDir, fingerprint string) *Cache {
	c := &Cache{dataDir: dataDir, fingerprint: fingerprint}
	c.sealer, c.sealErr = newSealer(dataDir)
	if c.sealErr != nil {
		log.Warn().Err(c.sealErr).Msg("Entitlement cache disabled, offline use will not work")
	}
	return c
}

func (c *Cache) path() string {
	return filepath.Join(c.dataDir, EntitlementCacheFileName)
}

// Save seals and writes the entitlement. Empty states are not written;
// callers clear instead.
func (c *Cache) Save(state EntitlementState) error {
	if c.sealer == nil {
		return c.sealErr
	}
	if state.Empty() {
		return errors.New("refusing to cache an empty entitlement")
	}

	record := cachedEntitlement{
		SchemaVersion:     cacheSchemaVersion,
		LicenseKey:        state.LicenseKey,
		Tier:              int(state.Tier),
		Status:            string(state.Status),
		LastValidated:     state.LastValidated.Unix(),
		DeviceFingerprint: c.fingerprint,
		Signature:         state.Signature,
	}
	if !state.ExpiresAt.IsZero() {
		record.ExpiresAt = state.ExpiresAt.Unix()
	}
	if !state.ServerTimestamp.IsZero() {
		record.ServerTimestamp = state.ServerTimestamp.Unix()
	}
	record.Checksum = record.computeChecksum()

	jsonData, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal entitlement: %w", err)
	}
	sealed, err := c.sealer.seal(jsonData)
	if err != nil {
		return fmt.Errorf("seal entitlement: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(sealed)
	if err := writeOwnerOnlyFileAtomic(c.path(), []byte(encoded)); err != nil {
		return fmt.Errorf("write entitlement cache: %w", err)
	}
	return nil
}

// Load reads, unseals, and validates the cached entitlement. Any defect
// (undecryptable, wrong schema, checksum mismatch, wrong machine, or older
// than the offline grace window) deletes the file and reports no cache:
// a cache that fails one check cannot be trusted for any other purpose.
func (c *Cache) Load() (EntitlementState, error) {
	if c.sealer == nil {
		return EntitlementState{}, c.sealErr
	}

	encoded, err := readBoundedRegularFile(c.path(), maxCacheFileSize)
	if err != nil {
		if isMissingPathError(err) {
			return EntitlementState{}, errNoCache
		}
		return EntitlementState{}, fmt.Errorf("read entitlement cache: %w", err)
	}

	record, err := c.decode(encoded)
	if err != nil {
		log.Warn().Err(err).Msg("Discarding unusable entitlement cache")
		_ = c.Clear()
		return EntitlementState{}, fmt.Errorf("%w: %v", errCacheInvalid, err)
	}

	state := EntitlementState{
		LicenseKey:    record.LicenseKey,
		Tier:          licensing.ParseTier(record.Tier),
		Status:        licensing.ParseStatus(record.Status, false),
		LastValidated: time.Unix(record.LastValidated, 0),
		Signature:     record.Signature,
	}
	if record.ExpiresAt != 0 {
		state.ExpiresAt = time.Unix(record.ExpiresAt, 0)
	}
	if record.ServerTimestamp != 0 {
		state.ServerTimestamp = time.Unix(record.ServerTimestamp, 0)
	}
	return state, nil
}

func (c *Cache) decode(encoded []byte) (cachedEntitlement, error) {
	var record cachedEntitlement

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return record, fmt.Errorf("decode cache file: %w", err)
	}
	jsonData, err := c.sealer.open(sealed)
	if err != nil {
		return record, fmt.Errorf("unseal cache file: %w", err)
	}
	if err := json.Unmarshal(jsonData, &record); err != nil {
		return record, fmt.Errorf("parse cache record: %w", err)
	}

	if record.SchemaVersion != cacheSchemaVersion {
		return record, fmt.Errorf("schema version %d, want %d", record.SchemaVersion, cacheSchemaVersion)
	}
	if record.Checksum != record.computeChecksum() {
		return record, errors.New("checksum mismatch")
	}
	if record.DeviceFingerprint != c.fingerprint {
		return record, errors.New("device fingerprint mismatch")
	}
	age := time.Since(time.Unix(record.LastValidated, 0))
	if age > OfflineGracePeriod {
		return record, fmt.Errorf("last validated %s ago, past the offline grace window", age.Round(time.Minute))
	}
	if record.LicenseKey == "" {
		return record, errors.New("empty license key")
	}
	return record, nil
}

// Clear removes the cache file, tolerating absence.
func (c *Cache) Clear() error {
	err := os.Remove(c.path())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete entitlement cache: %w", err)
	}
	return nil
}

// Exists checks whether a sealed cache file is present.
func (c *Cache) Exists() bool {
	info, err := os.Lstat(c.path())
	if err != nil {
		return false
	}
	return validateRegularFile(c.path(), info) == nil
}

// getMachineID attempts to get a stable machine identifier for key
// derivation. The hostname fallback keeps sealing available on platforms
// without a machine-id file.
func getMachineID() (string, error) {
	paths := []string{
		"/etc/machine-id",
		"/var/lib/dbus/machine-id",
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			trimmed := strings.TrimSpace(string(data))
			if trimmed != "" {
				return trimmed, nil
			}
		}
	}

	hostname, err := os.Hostname()
	if err == nil {
		return hostname, nil
	}

	return "", errors.New("could not determine machine ID")
}
