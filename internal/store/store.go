// Package store is the pool's ledger store: transactional keyed storage on
// leveldb with one prefix-keyed table per entity (work rounds, stakes,
// payouts, payout members, stakers, watermarks). All state is partitioned by
// currency id, so independent currency workers never touch each other's keys.
package store

import (
	"fmt"
	"log/slog"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/vrscpool/poolmgr/internal/lib/misc"
)

type Store struct {
	db     *leveldb.DB
	logger *slog.Logger
}

func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening ledger store at %s: %w", path, err)
	}
	misc.Infof(logger, "ledger store opened at %s", path)
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// reader is satisfied by *leveldb.DB, *leveldb.Transaction and *leveldb.Snapshot.
type reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	Has(key []byte, ro *opt.ReadOptions) (bool, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

type writer interface {
	Put(key, value []byte, wo *opt.WriteOptions) error
	Delete(key []byte, wo *opt.WriteOptions) error
}

// Tx is one unit of work against the store. Writes made through a Tx commit
// atomically or not at all; a read-only Tx sees a consistent snapshot.
type Tx struct {
	r reader
	w writer
}

// Update runs fn inside a leveldb transaction, committing when fn returns nil
// and discarding otherwise. leveldb serializes open transactions, so
// concurrent currency workers queue here rather than interleave.
func (s *Store) Update(fn func(*Tx) error) error {
	ltx, err := s.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("opening store transaction: %w", err)
	}
	if err := fn(&Tx{r: ltx, w: ltx}); err != nil {
		ltx.Discard()
		return err
	}
	if err := ltx.Commit(); err != nil {
		return fmt.Errorf("committing store transaction: %w", err)
	}
	return nil
}

// View runs fn against a consistent snapshot. fn must not write.
func (s *Store) View(fn func(*Tx) error) error {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return fmt.Errorf("acquiring store snapshot: %w", err)
	}
	defer snap.Release()
	return fn(&Tx{r: snap})
}
