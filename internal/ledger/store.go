package ledger

import (
	"database/sql"
	"math"
	"sort"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite" // Pure Go SQLite driver
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/expensio/expensio/internal/blob"
	"github.com/expensio/expensio/internal/errors"
)

// BlobStore is the document storage the ledger keeps in sync with its
// entries.
type BlobStore interface {
	Put(key string, p blob.Payload) error
	Delete(key string) error
	PurgeAll() error
}

// Patch carries partial entry updates. Nil fields are left unchanged.
type Patch struct {
	Title         *string  `json:"title"`
	Date          *string  `json:"date"`
	Amount        *float64 `json:"amount"`
	Currency      *string  `json:"currency"`
	Category      *string  `json:"category"`
	IssuerAddress *string  `json:"issuer_address"`
	Notes         *string  `json:"notes"`
	Verified      *bool    `json:"verified"`
}

// Store is the authoritative in-memory ledger. Every mutation is written
// through to SQLite wholesale so a restart reloads the exact working set.
type Store struct {
	mu      sync.RWMutex
	db      *gorm.DB
	blobs   BlobStore
	logger  *zap.Logger
	entries []Entry
	meta    Metadata
}

// Open opens the ledger database at sqlitePath and hydrates the working set.
func Open(sqlitePath string, blobs BlobStore, zl *zap.Logger) (*Store, error) {
	sqliteDB, err := sql.Open("sqlite", sqlitePath+"?_journal=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-64000")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal.Code, "failed to open ledger database")
	}
	sqliteDB.SetMaxOpenConns(10)
	sqliteDB.SetMaxIdleConns(5)
	sqliteDB.SetConnMaxLifetime(time.Hour)

	db, err := gorm.Open(sqlite.Dialector{Conn: sqliteDB}, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal.Code, "failed to open ledger database")
	}

	if err := db.AutoMigrate(&Entry{}, &Metadata{}); err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal.Code, "failed to migrate ledger schema")
	}

	s := &Store{db: db, blobs: blobs, logger: zl}
	if err := s.hydrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// hydrate loads entries and metadata from SQLite into memory.
func (s *Store) hydrate() error {
	var entries []Entry
	if err := s.db.Order("position asc").Find(&entries).Error; err != nil {
		return errors.Wrap(err, errors.ErrInternal.Code, "failed to load ledger entries")
	}

	var meta Metadata
	res := s.db.First(&meta, 1)
	if res.Error == gorm.ErrRecordNotFound {
		meta = DefaultMetadata()
		if err := s.db.Create(&meta).Error; err != nil {
			return errors.Wrap(err, errors.ErrInternal.Code, "failed to initialize metadata")
		}
	} else if res.Error != nil {
		return errors.Wrap(res.Error, errors.ErrInternal.Code, "failed to load metadata")
	}

	s.entries = entries
	s.meta = meta
	s.logger.Info("Ledger hydrated", zap.Int("entries", len(entries)))
	return nil
}

// persist rewrites the full entry set and metadata row in one transaction.
// The working set is small (one liquidation period), so a wholesale write
// keeps memory and disk trivially consistent.
func (s *Store) persist() error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&Entry{}).Error; err != nil {
			return err
		}
		if len(s.entries) > 0 {
			if err := tx.Create(&s.entries).Error; err != nil {
				return err
			}
		}
		return tx.Save(&s.meta).Error
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal.Code, "failed to persist ledger")
	}
	return nil
}

// sanitizeAmount folds negative and non-finite values to zero. Amounts are
// never rejected, only coerced, so a bad value cannot reach SQLite or the
// totals.
func sanitizeAmount(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// Add appends an entry, storing its receipt payload first so the entry never
// references a blob that does not exist. The store mints the entry ID; any
// caller-supplied ID is discarded, so a duplicate from the client can never
// collide with an existing entry or its receipt key.
func (s *Store) Add(entry Entry, receipt *blob.Payload) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = uuid.New().String()

	if receipt != nil {
		entry.ReceiptRef = "receipt/" + entry.ID
		if err := s.blobs.Put(entry.ReceiptRef, *receipt); err != nil {
			return nil, err
		}
	}

	entry.Amount = sanitizeAmount(entry.Amount)
	entry.Category = ParseCategory(entry.Category)
	entry.Position = len(s.entries)
	now := time.Now()
	entry.CreatedAt = now
	entry.UpdatedAt = now

	s.entries = append(s.entries, entry)
	if err := s.persist(); err != nil {
		s.entries = s.entries[:len(s.entries)-1]
		return nil, err
	}
	return &s.entries[len(s.entries)-1], nil
}

// Update applies a partial patch to an entry. A non-nil receipt replaces the
// stored payload under the existing reference.
func (s *Store) Update(id string, patch Patch, receipt *blob.Payload) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return nil, errors.ErrEntryNotFound
	}
	entry := &s.entries[idx]

	if receipt != nil {
		if entry.ReceiptRef == "" {
			entry.ReceiptRef = "receipt/" + entry.ID
		}
		if err := s.blobs.Put(entry.ReceiptRef, *receipt); err != nil {
			return nil, err
		}
	}

	if patch.Title != nil {
		entry.Title = *patch.Title
	}
	if patch.Date != nil {
		entry.Date = *patch.Date
	}
	if patch.Amount != nil {
		entry.Amount = sanitizeAmount(*patch.Amount)
	}
	if patch.Currency != nil {
		entry.Currency = *patch.Currency
	}
	if patch.Category != nil {
		entry.Category = ParseCategory(*patch.Category)
	}
	if patch.IssuerAddress != nil {
		entry.IssuerAddress = *patch.IssuerAddress
	}
	if patch.Notes != nil {
		entry.Notes = *patch.Notes
	}
	if patch.Verified != nil {
		entry.Verified = *patch.Verified
	}
	entry.UpdatedAt = time.Now()

	if err := s.persist(); err != nil {
		return nil, err
	}
	return entry, nil
}

// Delete removes an entry and its receipt blob. Exactly one blob delete is
// issued per removed entry.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return errors.ErrEntryNotFound
	}

	ref := s.entries[idx].ReceiptRef
	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	for i := range s.entries {
		s.entries[i].Position = i
	}

	if err := s.persist(); err != nil {
		return err
	}

	if ref != "" {
		if err := s.blobs.Delete(ref); err != nil {
			// The entry is already gone; an orphaned blob is reclaimed by
			// the next full reset.
			s.logger.Warn("Failed to delete receipt blob", zap.String("ref", ref), zap.Error(err))
		}
	}
	return nil
}

// ClearAll wipes entries, metadata, and every stored blob. This is the
// period rollover operation after a report has been filed.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = nil
	s.meta = DefaultMetadata()
	if err := s.persist(); err != nil {
		return err
	}
	if err := s.blobs.PurgeAll(); err != nil {
		// Entries are already gone; a failed purge leaves orphans, not
		// resurrected records.
		s.logger.Warn("Failed to purge blob store", zap.Error(err))
	}
	return nil
}

// Entries returns a copy of the ordered entry list.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Get returns one entry by id.
func (s *Store) Get(id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return nil, errors.ErrEntryNotFound
	}
	entry := s.entries[idx]
	return &entry, nil
}

// Metadata returns the current report header state.
func (s *Store) Metadata() Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

// SetMetadata replaces the report header state.
func (s *Store) SetMetadata(meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta.ID = 1
	meta.ReceivedAmount = sanitizeAmount(meta.ReceivedAmount)
	s.meta = meta
	return s.persist()
}

// SetSignatureRef records the blob reference of the flattened signature.
func (s *Store) SetSignatureRef(ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.SignatureRef = ref
	return s.persist()
}

// Totals sums entry amounts by category and overall.
func (s *Store) Totals() (total float64, byCategory map[string]float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byCategory = make(map[string]float64)
	for _, e := range s.entries {
		total += e.Amount
		byCategory[e.Category] += e.Amount
	}
	return total, byCategory
}

// SortByDate reorders entries chronologically and persists the new order.
// Entries with equal dates keep their relative order.
func (s *Store) SortByDate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].Date < s.entries[j].Date
	})
	for i := range s.entries {
		s.entries[i].Position = i
	}
	return s.persist()
}

func (s *Store) indexOf(id string) int {
	for i := range s.entries {
		if s.entries[i].ID == id {
			return i
		}
	}
	return -1
}
