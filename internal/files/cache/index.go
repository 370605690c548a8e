// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package cache

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog"
)

const recordPrefix = "idx/"

// record is the persisted state of one resource.
type record struct {
	Length int64  `json:"length"`
	Spans  []Span `json:"spans"`
}

// index persists records in a badger database.
type index struct {
	db  *badger.DB
	log zerolog.Logger
}

// put writes the record of key.
func (x *index) put(key string, r record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}

	return x.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(recordPrefix+key), b)
	})
}

// delete removes the record of key.
func (x *index) delete(key string) error {
	return x.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(recordPrefix + key))
	})
}

// load reads every record. Records that cannot be decoded are reported as corruption.
func (x *index) load() (map[string]record, error) {
	records := map[string]record{}
	prefix := []byte(recordPrefix)

	err := x.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := strings.TrimPrefix(string(item.KeyCopy(nil)), recordPrefix)

			if err := item.Value(func(v []byte) error {
				var r record
				if err := json.Unmarshal(v, &r); err != nil {
					return fmt.Errorf("%w: record %q: %w", ErrStorageCorrupt, key, err)
				}
				records[key] = r
				return nil
			}); err != nil {
				return err
			}
		}

		return nil
	})

	return records, err
}

// close flushes and closes the database.
func (x *index) close() error {
	if err := x.db.Sync(); err != nil {
		x.log.Error().Err(err).Msg("index sync error")
	}
	return x.db.Close()
}

// openIndex opens or creates the index database in dir.
func openIndex(dir string, log zerolog.Logger) (*index, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(&badgerLogger{log: log}).
		WithSyncWrites(false).
		WithNumVersionsToKeep(1).
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(16 << 20).
		WithBlockCacheSize(8 << 20).
		WithIndexCacheSize(8 << 20).
		WithNumMemtables(2).
		WithNumCompactors(2)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open index at %v: %w", dir, err)
	}

	return &index{db: db, log: log}, nil
}

// badgerLogger adapts zerolog to badger.Logger.
type badgerLogger struct {
	log zerolog.Logger
}

var _ badger.Logger = &badgerLogger{}

// Errorf implements badger.Logger.
func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(strings.TrimSpace(format), args...)
}

// Warningf implements badger.Logger.
func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(strings.TrimSpace(format), args...)
}

// Infof implements badger.Logger.
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(strings.TrimSpace(format), args...)
}

// Debugf implements badger.Logger.
func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(strings.TrimSpace(format), args...)
}
