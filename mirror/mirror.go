// Package mirror is the device-local copy of each user's reminder records, kept
// as a single JSON list per user in badger.
package mirror

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"pillminder/dbtypes"
	"pillminder/kvstore"

	"github.com/dgraph-io/badger"
)

const keyPrefix = "mirror:"

type Mirror struct {
	db *badger.DB
}

func New(db *badger.DB) *Mirror {
	return &Mirror{db: db}
}

func userKey(userID string) []byte {
	return []byte(keyPrefix + userID)
}

// Load returns userID's records in stored order.  A user with no list has no
// records.
func (m *Mirror) Load(ctx context.Context, userID string) ([]*dbtypes.ReminderRecord, error) {
	var recs []*dbtypes.ReminderRecord
	err := m.db.View(func(txn *badger.Txn) error {
		_, err := kvstore.GetJSON(txn, userKey(userID), &recs)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("while loading mirror for %s: %w", userID, err)
	}
	return recs, nil
}

// Store replaces userID's list.  Storing an empty list removes the key.
func (m *Mirror) Store(ctx context.Context, userID string, recs []*dbtypes.ReminderRecord) error {
	err := kvstore.Update(m.db, func(txn *badger.Txn) error {
		if len(recs) == 0 {
			return txn.Delete(userKey(userID))
		}
		return kvstore.SetJSON(txn, userKey(userID), recs)
	})
	if err != nil {
		return fmt.Errorf("while storing mirror for %s: %w", userID, err)
	}
	return nil
}

// Users lists every user that has a stored list.
func (m *Mirror) Users(ctx context.Context) ([]string, error) {
	var users []string
	err := m.db.View(func(txn *badger.Txn) error {
		return kvstore.ScanPrefix(txn, []byte(keyPrefix), func(key, value []byte) error {
			users = append(users, strings.TrimPrefix(string(key), keyPrefix))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("while listing mirror users: %w", err)
	}
	sort.Strings(users)
	return users, nil
}
