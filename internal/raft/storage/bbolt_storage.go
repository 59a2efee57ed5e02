// Package storage provides durable persistence for the replicated log and the small set of
// term/commit metadata the consensus collaborator needs to survive a restart.
package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"go.etcd.io/bbolt"

	"raftreplicate/internal/raftpb"
)

var (
	logBucket      = []byte("logs")
	metadataBucket = []byte("metadata")

	currentTermKey     = []byte("currentTerm")
	committedOffsetKey = []byte("committedOffset")
)

// BboltStorage persists log entries and term/commit metadata in a single bbolt file.
// Entries are gob-encoded rather than protobuf-marshaled: see DESIGN.md for why (the
// teacher's wire types are protoc-generated and that package could not be regenerated in
// this exercise).
type BboltStorage struct {
	conn *bbolt.DB
}

// NewBboltStorage opens (creating if necessary) a bbolt-backed log store at path.
func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logBucket); err != nil {
			return fmt.Errorf("failed to create log bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStorage{conn: db}, nil
}

// AppendEntries persists entries keyed by their index, overwriting any entry already
// present at that index (used when a newer leader term truncates and rewrites a suffix).
func (b *BboltStorage) AppendEntries(entries []raftpb.LogEntry) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		for _, entry := range entries {
			data, err := encodeEntry(entry)
			if err != nil {
				return fmt.Errorf("failed to encode log entry: %w", err)
			}
			if err := bucket.Put(uint64ToBytes(entry.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetEntry retrieves the entry at index.
func (b *BboltStorage) GetEntry(index uint64) (raftpb.LogEntry, error) {
	var entry raftpb.LogEntry
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		data := bucket.Get(uint64ToBytes(index))
		if data == nil {
			return fmt.Errorf("log entry at index %d not found", index)
		}
		var err error
		entry, err = decodeEntry(data)
		return err
	})
	return entry, err
}

// TermAt returns the term of the entry at offset, used to detect truncation across a term
// boundary. Returns an error if no entry is present at offset.
func (b *BboltStorage) TermAt(offset uint64) (uint64, error) {
	entry, err := b.GetEntry(offset)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}

// DeleteEntriesFrom removes index and every entry after it, used when a newer leader
// overwrites a stale suffix of the log.
func (b *BboltStorage) DeleteEntriesFrom(index uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(uint64ToBytes(index)); k != nil; k, _ = cursor.Next() {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// LastIndex returns the index of the last persisted entry (0 if the log is empty).
func (b *BboltStorage) LastIndex() (uint64, error) {
	var last uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logBucket).Cursor()
		k, _ := cursor.Last()
		if k != nil {
			last = bytesToUint64(k)
		}
		return nil
	})
	return last, err
}

// LastTerm returns the term of the last persisted entry (0 if the log is empty).
func (b *BboltStorage) LastTerm() (uint64, error) {
	var term uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logBucket).Cursor()
		_, v := cursor.Last()
		if v == nil {
			return nil
		}
		entry, err := decodeEntry(v)
		if err != nil {
			return err
		}
		term = entry.Term
		return nil
	})
	return term, err
}

// GetCurrentTerm retrieves the persisted current term.
func (b *BboltStorage) GetCurrentTerm() (uint64, error) {
	var term uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(currentTermKey)
		if data != nil {
			term = bytesToUint64(data)
		}
		return nil
	})
	return term, err
}

// SetCurrentTerm persists the current term.
func (b *BboltStorage) SetCurrentTerm(term uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(currentTermKey, uint64ToBytes(term))
	})
}

// GetCommittedOffset retrieves the persisted commit offset.
func (b *BboltStorage) GetCommittedOffset() (uint64, error) {
	var offset uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(committedOffsetKey)
		if data != nil {
			offset = bytesToUint64(data)
		}
		return nil
	})
	return offset, err
}

// SetCommittedOffset persists the commit offset.
func (b *BboltStorage) SetCommittedOffset(offset uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(committedOffsetKey, uint64ToBytes(offset))
	})
}

// Close closes the underlying database file.
func (b *BboltStorage) Close() error {
	return b.conn.Close()
}

func encodeEntry(entry raftpb.LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (raftpb.LogEntry, error) {
	var entry raftpb.LogEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		return raftpb.LogEntry{}, err
	}
	return entry, nil
}

func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
