// Package inbox archives received messages in BadgerDB.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

const keyPrefix = "msg/"

var (
	ErrClosed    = errors.New("inbox: closed")
	errBadRecord = errors.New("inbox: malformed record")
)

// Message is one archived message
type Message struct {
	ID         uuid.UUID
	Peer       string
	ReceivedAt time.Time
	Payload    []byte
}

// Store is an append-only message archive. Keys sort by arrival time.
type Store struct {
	db     *badgerdb.DB
	closed atomic.Bool
}

// Open opens (or creates) the archive in dir
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("inbox: path required")
	}
	return open(badgerdb.DefaultOptions(dir))
}

// OpenInMemory opens an archive that lives only as long as the process
func OpenInMemory() (*Store, error) {
	return open(badgerdb.DefaultOptions("").WithInMemory(true))
}

func open(opts badgerdb.Options) (*Store, error) {
	opts.Logger = nil // Suppress badger's internal logging
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("inbox: open: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) checkClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// messageKey orders by receive time, then ID
func messageKey(m Message) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", keyPrefix, m.ReceivedAt.UnixNano(), m.ID))
}

// Put archives m. A zero ID or time is filled in; the stored message is returned.
func (s *Store) Put(ctx context.Context, m Message) (Message, error) {
	if err := s.checkClosed(); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now()
	}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(messageKey(m), encode(m))
	})
	if err != nil {
		return Message{}, fmt.Errorf("inbox: put: %w", err)
	}
	return m, nil
}

// List returns up to limit of the most recent messages, oldest first.
// limit <= 0 returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]Message, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var out []Message
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration has to seek past the last key with the prefix
		for it.Seek([]byte(keyPrefix + "\xff")); it.ValidForPrefix(opts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			m, err := decode(val)
			if err != nil {
				return fmt.Errorf("%w at %s", err, it.Item().Key())
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("inbox: list: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Count returns the number of archived messages
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}

	count := 0
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("inbox: count: %w", err)
	}
	return count, nil
}

// Close closes the database (idempotent)
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// Record layout (protobuf wire format):
//
//	1: id (16 bytes)  2: peer  3: received_at (unix nanos, varint)  4: payload
const (
	fieldID         protowire.Number = 1
	fieldPeer       protowire.Number = 2
	fieldReceivedAt protowire.Number = 3
	fieldPayload    protowire.Number = 4
)

func encode(m Message) []byte {
	b := make([]byte, 0, 32+len(m.Peer)+len(m.Payload))
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, m.ID[:])
	b = protowire.AppendTag(b, fieldPeer, protowire.BytesType)
	b = protowire.AppendString(b, m.Peer)
	b = protowire.AppendTag(b, fieldReceivedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.ReceivedAt.UnixNano()))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Payload)
	return b
}

func decode(b []byte) (Message, error) {
	var m Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, errBadRecord
		}
		b = b[n:]

		switch {
		case num == fieldID && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				id, err := uuid.FromBytes(v)
				if err != nil {
					return Message{}, errBadRecord
				}
				m.ID = id
			}
		case num == fieldPeer && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			m.Peer = string(v)
		case num == fieldReceivedAt && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.ReceivedAt = time.Unix(0, int64(v))
		case num == fieldPayload && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			m.Payload = append([]byte{}, v...)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Message{}, errBadRecord
		}
		b = b[n:]
	}
	return m, nil
}
