// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

type leaseEnvelope struct {
	Owner     string    `json:"owner"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

var errLeaseHeld = errors.New("lease held by another owner")

// TryAcquireLease creates the lease entry only if it is absent or expired.
// The check and the write share one transaction, so two instances racing for
// the same tick cannot both win.
func (s *BadgerStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	dbKey := []byte(leasePrefix + key)
	now := time.Now()
	env := leaseEnvelope{Owner: owner, Key: key, ExpiresAt: now.Add(ttl)}
	buf, err := json.Marshal(env)
	if err != nil {
		return false, err
	}

	err = s.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(dbKey)
		if err == nil {
			var current leaseEnvelope
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &current)
			}); verr != nil {
				return verr
			}
			// Badger expires TTL entries lazily; treat a stale envelope as free.
			if current.Owner != owner && now.Before(current.ExpiresAt) {
				return errLeaseHeld
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		entry := badger.NewEntry(dbKey, buf).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if errors.Is(err, errLeaseHeld) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RenewLease extends the lease when still held by owner.
func (s *BadgerStore) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	dbKey := []byte(leasePrefix + key)
	env := leaseEnvelope{Owner: owner, Key: key, ExpiresAt: time.Now().Add(ttl)}
	buf, err := json.Marshal(env)
	if err != nil {
		return false, err
	}

	err = s.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(dbKey)
		if err != nil {
			return err
		}
		var current leaseEnvelope
		if verr := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &current)
		}); verr != nil {
			return verr
		}
		if current.Owner != owner {
			return errLeaseHeld
		}
		entry := badger.NewEntry(dbKey, buf).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if errors.Is(err, badger.ErrKeyNotFound) || errors.Is(err, errLeaseHeld) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseLease deletes the lease if held by owner. Releasing a lease that is
// absent or owned elsewhere is a no-op.
func (s *BadgerStore) ReleaseLease(ctx context.Context, key, owner string) error {
	dbKey := []byte(leasePrefix + key)
	return s.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(dbKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var current leaseEnvelope
		if verr := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &current)
		}); verr != nil {
			return verr
		}
		if current.Owner == owner {
			return txn.Delete(dbKey)
		}
		return nil
	})
}
