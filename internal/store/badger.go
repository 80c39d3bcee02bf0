// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/eventra/checkind/internal/model"
)

// Key layout:
//   sess:<sessionID>                  session record (JSON)
//   rec:<sessionID>:<participantID>   check-in record (JSON)
//   decl:<sessionID>:<declineID>      declined-scan audit entry (JSON)
//   part:<participantID>              participant (JSON)
//   qr:<qrCode>                       participant id (index)
//   lease:<key>                       lease envelope (JSON, TTL)
const (
	sessionPrefix     = "sess:"
	checkInPrefix     = "rec:"
	declinePrefix     = "decl:"
	participantPrefix = "part:"
	qrPrefix          = "qr:"
	leasePrefix       = "lease:"
)

// BadgerStore is the Badger-backed Store implementation. Badger transactions
// run under serializable snapshot isolation, which is what makes ReserveSlot's
// read-check-increment a single atomic operation.
type BadgerStore struct {
	db *badger.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// OpenInMemory opens a volatile database, used by tests.
func OpenInMemory() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger in-memory: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

// update runs fn in a read-write transaction, retrying on transaction
// conflicts. Conflicts are expected under concurrent reservations for the
// same session; each retry re-reads current state, so the conditional check
// stays correct.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func getJSON[T any](txn *badger.Txn, key string, out *T) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key string, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), buf)
}

// --- Sessions ---

func (s *BadgerStore) PutSession(ctx context.Context, sess *model.Session) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, sessionPrefix+sess.ID, sess)
	})
}

func (s *BadgerStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var out model.Session
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, sessionPrefix+id, &out)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) UpdateSession(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error) {
	var out model.Session
	err := s.update(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, sessionPrefix+id, &out); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		out.UpdatedAt = time.Now()
		return setJSON(txn, sessionPrefix+id, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) DeleteSession(ctx context.Context, id string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(sessionPrefix + id))
	})
}

func (s *BadgerStore) ScanSessions(ctx context.Context, fn func(*model.Session) error) error {
	prefix := []byte(sessionPrefix)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var sess model.Session
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sess)
			}); err != nil {
				continue
			}
			if err := fn(&sess); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Capacity counter ---

func (s *BadgerStore) ReserveSlot(ctx context.Context, sessionID string) (*model.Session, error) {
	var out model.Session
	err := s.update(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, sessionPrefix+sessionID, &out); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		if out.Capacity > 0 && out.CheckInsCount >= out.Capacity {
			return ErrCapacityExceeded
		}
		out.CheckInsCount++
		out.UpdatedAt = time.Now()
		return setJSON(txn, sessionPrefix+sessionID, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ReleaseSlot(ctx context.Context, sessionID string) (*model.Session, error) {
	var out model.Session
	err := s.update(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, sessionPrefix+sessionID, &out); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		if out.CheckInsCount > 0 {
			out.CheckInsCount--
		}
		out.UpdatedAt = time.Now()
		return setJSON(txn, sessionPrefix+sessionID, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) SetCheckInsCount(ctx context.Context, sessionID string, count int) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var sess model.Session
		if err := getJSON(txn, sessionPrefix+sessionID, &sess); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		if count < 0 {
			count = 0
		}
		if sess.Capacity > 0 && count > sess.Capacity {
			count = sess.Capacity
		}
		if sess.CheckInsCount == count {
			return nil
		}
		sess.CheckInsCount = count
		sess.UpdatedAt = time.Now()
		return setJSON(txn, sessionPrefix+sessionID, &sess)
	})
}

// --- Check-in records ---

func checkInKey(sessionID, participantID string) string {
	return checkInPrefix + sessionID + ":" + participantID
}

func (s *BadgerStore) InsertCheckIn(ctx context.Context, rec *model.CheckInRecord) error {
	key := checkInKey(rec.SessionID, rec.ParticipantID)
	return s.update(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return ErrDuplicateCheckIn
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, rec)
	})
}

func (s *BadgerStore) GetCheckIn(ctx context.Context, sessionID, participantID string) (*model.CheckInRecord, error) {
	var out model.CheckInRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, checkInKey(sessionID, participantID), &out)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) DeleteCheckIn(ctx context.Context, sessionID, participantID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(checkInKey(sessionID, participantID)))
	})
}

func (s *BadgerStore) ListCheckIns(ctx context.Context, sessionID string) ([]*model.CheckInRecord, error) {
	prefix := []byte(checkInPrefix + sessionID + ":")
	var list []*model.CheckInRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec model.CheckInRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			list = append(list, &rec)
		}
		return nil
	})
	return list, err
}

func (s *BadgerStore) PutDecline(ctx context.Context, d *model.DeclinedCheckIn) error {
	key := declinePrefix + d.SessionID + ":" + d.ID
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, key, d)
	})
}

// --- Participants ---

func (s *BadgerStore) PutParticipant(ctx context.Context, p *model.Participant) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if err := setJSON(txn, participantPrefix+p.ID, p); err != nil {
			return err
		}
		if p.QRCode == "" {
			return nil
		}
		return txn.Set([]byte(qrPrefix+p.QRCode), []byte(p.ID))
	})
}

func (s *BadgerStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	var out model.Participant
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, participantPrefix+id, &out)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrParticipantNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) GetParticipantByQR(ctx context.Context, qrCode string) (*model.Participant, error) {
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(qrPrefix + qrCode))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrParticipantNotFound
		}
		return nil, err
	}
	return s.GetParticipant(ctx, id)
}

// Ensure interface compliance at compile time.
var _ Store = (*BadgerStore)(nil)
