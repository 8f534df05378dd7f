package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.etcd.io/bbolt/errors"
	"go.uber.org/zap"
)

// BoltDB wraps bolt database operations
type BoltDB struct {
	db     *bbolt.DB
	logger *zap.SugaredLogger
}

// NewBoltDB opens the funnel database under dataDir, recovering from a
// stale lock by backing the file up and recreating it.
func NewBoltDB(dataDir string, logger *zap.SugaredLogger) (*BoltDB, error) {
	dbPath := filepath.Join(dataDir, "funnel.db")

	db, err := bbolt.Open(dbPath, 0o644, &bbolt.Options{
		Timeout: 10 * time.Second,
	})
	if err != nil {
		logger.Warnf("Failed to open database on first attempt: %v", err)

		if err == errors.ErrTimeout {
			logger.Info("Database timeout detected, attempting recovery...")

			backupPath := dbPath + ".backup." + time.Now().Format("20060102-150405")
			logger.Infof("Creating backup at %s", backupPath)
			if cpErr := copyFile(dbPath, backupPath); cpErr != nil {
				logger.Warnf("Failed to create backup: %v", cpErr)
			}
			if rmErr := os.Remove(dbPath); rmErr != nil {
				logger.Warnf("Failed to remove locked database file: %v", rmErr)
			}

			db, err = bbolt.Open(dbPath, 0o644, &bbolt.Options{
				Timeout: 5 * time.Second,
			})
		}

		if err != nil {
			return nil, fmt.Errorf("failed to open bolt database after recovery attempt: %w", err)
		}
	}

	boltDB := &BoltDB{
		db:     db,
		logger: logger,
	}

	if err := boltDB.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return boltDB, nil
}

// Close closes the database
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// initBuckets creates required buckets and sets up schema
func (b *BoltDB) initBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := []string{
			ToolStatsBucket,
			ToolCacheBucket,
			CommandsBucket,
			MetaBucket,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		metaBucket := tx.Bucket([]byte(MetaBucket))
		versionBytes := make([]byte, 8)
		binary.LittleEndian.PutUint64(versionBytes, CurrentSchemaVersion)
		return metaBucket.Put([]byte(SchemaVersionKey), versionBytes)
	})
}

// GetSchemaVersion returns the current schema version
func (b *BoltDB) GetSchemaVersion() (uint64, error) {
	var version uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(MetaBucket))
		if bucket == nil {
			return fmt.Errorf("meta bucket not found")
		}

		versionBytes := bucket.Get([]byte(SchemaVersionKey))
		if versionBytes == nil {
			version = 0
			return nil
		}

		version = binary.LittleEndian.Uint64(versionBytes)
		return nil
	})

	return version, err
}

// Tool statistics operations

// IncrementToolStats increments the usage count for a tool
func (b *BoltDB) IncrementToolStats(toolName string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ToolStatsBucket))

		var record ToolStatRecord
		data := bucket.Get([]byte(toolName))
		if data != nil {
			if err := record.UnmarshalBinary(data); err != nil {
				return err
			}
		} else {
			record.ToolName = toolName
		}

		record.Count++
		record.LastUsed = time.Now()

		newData, err := record.MarshalBinary()
		if err != nil {
			return err
		}

		return bucket.Put([]byte(toolName), newData)
	})
}

// GetToolStats retrieves tool statistics
func (b *BoltDB) GetToolStats(toolName string) (*ToolStatRecord, error) {
	var record *ToolStatRecord

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ToolStatsBucket))
		data := bucket.Get([]byte(toolName))
		if data == nil {
			return fmt.Errorf("tool stats not found")
		}

		record = &ToolStatRecord{}
		return record.UnmarshalBinary(data)
	})

	return record, err
}

// ListToolStats returns all tool statistics
func (b *BoltDB) ListToolStats() ([]*ToolStatRecord, error) {
	var records []*ToolStatRecord

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ToolStatsBucket))
		return bucket.ForEach(func(_, v []byte) error {
			record := &ToolStatRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})

	return records, err
}

// Tool cache operations

// SaveUpstreamTools stores the last-known tool catalog for an upstream
func (b *BoltDB) SaveUpstreamTools(record *ToolCacheRecord) error {
	record.Updated = time.Now()

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ToolCacheBucket))
		data, err := record.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(record.UpstreamID), data)
	})
}

// GetUpstreamTools retrieves the cached tool catalog for an upstream
func (b *BoltDB) GetUpstreamTools(upstreamID string) (*ToolCacheRecord, error) {
	var record *ToolCacheRecord

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ToolCacheBucket))
		data := bucket.Get([]byte(upstreamID))
		if data == nil {
			return fmt.Errorf("tool cache not found")
		}

		record = &ToolCacheRecord{}
		return record.UnmarshalBinary(data)
	})

	return record, err
}

// ListUpstreamTools returns every cached tool catalog
func (b *BoltDB) ListUpstreamTools() ([]*ToolCacheRecord, error) {
	var records []*ToolCacheRecord

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ToolCacheBucket))
		return bucket.ForEach(func(_, v []byte) error {
			record := &ToolCacheRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})

	return records, err
}

// DeleteUpstreamTools drops the cached catalog for an upstream
func (b *BoltDB) DeleteUpstreamTools(upstreamID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ToolCacheBucket))
		return bucket.Delete([]byte(upstreamID))
	})
}

// Command operations

// SaveCommand stores an installed command record
func (b *BoltDB) SaveCommand(record *CommandRecord) error {
	now := time.Now()
	if record.Installed.IsZero() {
		record.Installed = now
	}
	record.Updated = now

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(CommandsBucket))
		data, err := record.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(record.Name), data)
	})
}

// GetCommand retrieves an installed command by name
func (b *BoltDB) GetCommand(name string) (*CommandRecord, error) {
	var record *CommandRecord

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(CommandsBucket))
		data := bucket.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("command not found")
		}

		record = &CommandRecord{}
		return record.UnmarshalBinary(data)
	})

	return record, err
}

// ListCommands returns all installed command records
func (b *BoltDB) ListCommands() ([]*CommandRecord, error) {
	var records []*CommandRecord

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(CommandsBucket))
		return bucket.ForEach(func(_, v []byte) error {
			record := &CommandRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})

	return records, err
}

// DeleteCommand removes an installed command record
func (b *BoltDB) DeleteCommand(name string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(CommandsBucket))
		return bucket.Delete([]byte(name))
	})
}

// Generic operations

// Backup creates a backup of the database
func (b *BoltDB) Backup(destPath string) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(destPath, 0o644)
	})
}

// Stats returns database statistics
func (b *BoltDB) Stats() (*bbolt.Stats, error) {
	stats := b.db.Stats()
	return &stats, nil
}

// copyFile copies a file from src to dst
func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	_, err = io.Copy(destFile, sourceFile)
	return err
}
