// Package kvstore opens the device-local badger database shared by the
// reminder mirror and the local notification facility.
//
// Tables are distinguished by key prefix:
//
//	mirror:<uid>        JSON list of the user's reminder records
//	trigger:<handle>    JSON registration of one notification trigger
//	permission          notification permission decision
package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger"
	"golang.org/x/xerrors"
)

// Number of times Update re-runs a transaction that lost a commit race.
const maxCommitAttempts = 10

var ErrTooManyConflicts = errors.New("transaction conflicted too many times")

// Open opens (creating if necessary) the badger database in dataDir.  If clear
// is set, dataDir is removed first.
func Open(dataDir string, clear bool) (*badger.DB, error) {
	if clear {
		if err := os.RemoveAll(dataDir); err != nil {
			return nil, xerrors.Errorf("while clearing data dir %q: %w", dataDir, err)
		}
	}

	opts := badger.DefaultOptions(dataDir).WithLogger(&slogLogger{l: slog.Default().With(slog.String("component", "badger"))})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, xerrors.Errorf("while opening badger kv dir: %w", err)
	}
	return db, nil
}

// Update runs fn in a read-write transaction, retrying on commit conflicts.
// fn must be safe to run more than once.
func Update(db *badger.DB, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		err := db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
	return ErrTooManyConflicts
}

// GetJSON reads key into v.  found is false if the key does not exist.
func GetJSON(txn *badger.Txn, key []byte, v interface{}) (found bool, err error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("while reading key %q: %w", key, err)
	}

	raw, err := item.ValueCopy(nil)
	if err != nil {
		return false, fmt.Errorf("while copying value of key %q: %w", key, err)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("while unmarshaling key %q: %w", key, err)
	}
	return true, nil
}

func SetJSON(txn *badger.Txn, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("while marshaling value for key %q: %w", key, err)
	}
	if err := txn.Set(key, raw); err != nil {
		return fmt.Errorf("while writing key %q: %w", key, err)
	}
	return nil
}

// ScanPrefix calls fn with the key and value of every item under prefix, in
// key order.
func ScanPrefix(txn *badger.Txn, prefix []byte, fn func(key, value []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("while copying value of key %q: %w", item.Key(), err)
		}
		if err := fn(item.KeyCopy(nil), value); err != nil {
			return err
		}
	}
	return nil
}

// slogLogger adapts slog to badger.Logger.
type slogLogger struct {
	l *slog.Logger
}

func (s *slogLogger) Errorf(format string, args ...interface{}) {
	s.l.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (s *slogLogger) Warningf(format string, args ...interface{}) {
	s.l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (s *slogLogger) Infof(format string, args ...interface{}) {
	s.l.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (s *slogLogger) Debugf(format string, args ...interface{}) {
	s.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
