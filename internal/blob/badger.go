// Package blob stores receipt images and signature rasters in Badger.
// Payloads are opaque bytes tagged with a content type; keys are the
// references held by ledger entries.
package blob

import (
	"encoding/binary"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/expensio/expensio/internal/errors"
)

// Payload is one stored document.
type Payload struct {
	Data        []byte
	ContentType string
}

// Store wraps a Badger database with content-type framing and a periodic
// value-log GC.
type Store struct {
	db     *badger.DB
	gc     *cron.Cron
	logger *zap.Logger
}

// Open opens the store at path and schedules value-log GC on gcSpec. An
// empty gcSpec disables the GC loop.
func Open(path, gcSpec string, logger *zap.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithNumVersionsToKeep(1).
		WithCompactL0OnClose(true).
		WithValueLogFileSize(16 << 20).
		WithMemTableSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal.Code, "failed to open blob store")
	}

	s := &Store{db: db, logger: logger}

	if gcSpec != "" {
		s.gc = cron.New()
		if _, err := s.gc.AddFunc(gcSpec, s.runGC); err != nil {
			db.Close()
			return nil, errors.Wrap(err, errors.ErrConfigInvalid.Code, "invalid blob gc schedule")
		}
		s.gc.Start()
	}

	return s, nil
}

func (s *Store) runGC() {
	// Badger returns ErrNoRewrite when nothing was reclaimed; that is the
	// common case and not worth logging.
	if err := s.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
		s.logger.Warn("Blob store GC failed", zap.Error(err))
	}
}

// frame encodes a payload as a length-prefixed content type followed by the
// raw bytes.
func frame(p Payload) []byte {
	mime := []byte(p.ContentType)
	out := make([]byte, 4+len(mime)+len(p.Data))
	binary.BigEndian.PutUint32(out, uint32(len(mime)))
	copy(out[4:], mime)
	copy(out[4+len(mime):], p.Data)
	return out
}

func unframe(raw []byte) (Payload, error) {
	if len(raw) < 4 {
		return Payload{}, errors.New(errors.ErrBlobRead.Code, "truncated blob frame")
	}
	n := binary.BigEndian.Uint32(raw)
	if uint32(len(raw)-4) < n {
		return Payload{}, errors.New(errors.ErrBlobRead.Code, "truncated blob frame")
	}
	return Payload{
		ContentType: string(raw[4 : 4+n]),
		Data:        raw[4+n:],
	}, nil
}

// Put stores a payload under key, overwriting any existing value.
func (s *Store) Put(key string, p Payload) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), frame(p))
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrBlobWrite.Code, errors.ErrBlobWrite.Message)
	}
	return nil
}

// Get fetches a payload. The boolean distinguishes a missing key from a
// read failure.
func (s *Store) Get(key string) (Payload, bool, error) {
	var p Payload
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			raw := make([]byte, len(val))
			copy(raw, val)
			p, err = unframe(raw)
			return err
		})
	})
	if err == badger.ErrKeyNotFound {
		return Payload{}, false, nil
	}
	if err != nil {
		return Payload{}, false, errors.Wrap(err, errors.ErrBlobRead.Code, errors.ErrBlobRead.Message)
	}
	return p, true, nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrBlobDelete.Code, errors.ErrBlobDelete.Message)
	}
	return nil
}

// PurgeAll drops every stored blob. Used by the full ledger reset.
func (s *Store) PurgeAll() error {
	if err := s.db.DropAll(); err != nil {
		return errors.Wrap(err, errors.ErrBlobDelete.Code, "failed to purge blob store")
	}
	return nil
}

// Close stops the GC loop and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.Stop()
	}
	return s.db.Close()
}
