// Package backup persists module data snapshots before coding writes and
// restores them on demand. Records live in a bbolt database keyed by
// VIN, module name, and creation time, so lookup by VIN and by VIN+module
// are both prefix scans. Every record carries a SHA-256 checksum over the
// raw data; a record whose checksum no longer matches is never handed back.
package backup

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/bimmercode/ecucoder/models"
)

const bucketBackups = "backups"

// ChecksumMismatchError reports a backup whose stored data no longer hashes
// to the checksum recorded at creation time. A mismatched backup must never
// be used to restore a module.
type ChecksumMismatchError struct {
	Want string
	Got  string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("backup: checksum mismatch: stored %s, computed %s", e.Want, e.Got)
}

// ErrNotFound is returned when no backup exists for the requested key.
var ErrNotFound = fmt.Errorf("backup: not found")

// Checksum returns the hex-encoded SHA-256 digest of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store is a durable backup store backed by a single bbolt database file.
// It is safe for concurrent use; concurrent writers to the same VIN+module
// produce distinct records (keys include creation nanoseconds).
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and ensures the bucket
// exists. The file lock acquisition is bounded at one second so a stale
// lock surfaces as an error instead of hanging.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("backup: open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketBackups))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("backup: create bucket: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// recordKey orders records for one VIN+module by creation time. The
// zero-padded nanosecond timestamp keeps byte order equal to time order.
func recordKey(vin, module string, createdAt time.Time) []byte {
	return []byte(fmt.Sprintf("%s/%s/%020d", vin, module, createdAt.UnixNano()))
}

// Create computes the checksum over data and persists one backup record.
func (s *Store) Create(vehicle *models.Vehicle, module *models.Module, data []byte) (*models.BackupPayload, error) {
	now := time.Now().UTC()
	payload := &models.BackupPayload{
		Metadata: models.BackupMetadata{
			VIN:               vehicle.VIN,
			Chassis:           vehicle.Chassis,
			IStep:             vehicle.IStep,
			Module:            module.Name,
			DefinitionVersion: module.DefinitionVersion,
			CreatedAt:         now,
			Checksum:          Checksum(data),
		},
		Data: append([]byte(nil), data...),
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("backup: encode record: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBackups)).Put(recordKey(vehicle.VIN, module.Name, now), encoded)
	})
	if err != nil {
		return nil, fmt.Errorf("backup: persist record: %w", err)
	}

	s.logger.Info("backup: created",
		"vin", vehicle.VIN,
		"module", module.Name,
		"bytes", len(data),
		"checksum", payload.Metadata.Checksum,
	)
	return payload, nil
}

// Restore verifies payload's checksum and returns its data. A corrupted
// payload yields a ChecksumMismatchError and no data.
func (s *Store) Restore(payload *models.BackupPayload) ([]byte, error) {
	if got := Checksum(payload.Data); got != payload.Metadata.Checksum {
		return nil, &ChecksumMismatchError{Want: payload.Metadata.Checksum, Got: got}
	}
	return append([]byte(nil), payload.Data...), nil
}

// List returns every backup stored for vin, oldest first.
func (s *Store) List(vin string) ([]*models.BackupPayload, error) {
	var out []*models.BackupPayload
	prefix := []byte(vin + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketBackups)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var p models.BackupPayload
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("decode record %q: %w", k, err)
			}
			out = append(out, &p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("backup: list %q: %w", vin, err)
	}
	return out, nil
}

// Latest returns the most recent backup for vin and module, or ErrNotFound.
func (s *Store) Latest(vin, module string) (*models.BackupPayload, error) {
	var latest *models.BackupPayload
	prefix := []byte(vin + "/" + module + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketBackups)).Cursor()
		var raw []byte
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			raw = v // keys are time-ordered, keep scanning to the last
		}
		if raw == nil {
			return nil
		}
		var p models.BackupPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		latest = &p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("backup: latest %q/%q: %w", vin, module, err)
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

// Export writes one backup record to an external JSON file.
func (s *Store) Export(payload *models.BackupPayload, path string) error {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("backup: encode export: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return fmt.Errorf("backup: write export %q: %w", path, err)
	}
	return nil
}

// Import reads a backup record from an external JSON file, re-verifies its
// checksum, and persists it. The record keeps its original creation time.
func (s *Store) Import(path string) (*models.BackupPayload, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backup: read import %q: %w", path, err)
	}
	var payload models.BackupPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("backup: decode import %q: %w", path, err)
	}
	if got := Checksum(payload.Data); got != payload.Metadata.Checksum {
		return nil, &ChecksumMismatchError{Want: payload.Metadata.Checksum, Got: got}
	}

	encoded, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("backup: encode record: %w", err)
	}
	key := recordKey(payload.Metadata.VIN, payload.Metadata.Module, payload.Metadata.CreatedAt)
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBackups)).Put(key, encoded)
	})
	if err != nil {
		return nil, fmt.Errorf("backup: persist import: %w", err)
	}
	s.logger.Info("backup: imported", "vin", payload.Metadata.VIN, "module", payload.Metadata.Module, "file", path)
	return &payload, nil
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
