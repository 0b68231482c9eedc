package realtime

import (
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"
)

var eventKeyPrefix = []byte("evt:")

// Journal is a badger-backed rolling log of published events. Dashboards use
// it to replay invalidations missed while disconnected; it is not a durable
// record of attendance state (the relational ledger is).
type Journal struct {
	db        *badger.DB
	retention uint64
}

// OpenJournal opens (or creates) the journal at path. An empty path opens an
// in-memory journal, used in tests. retention caps how many events are kept;
// older entries are pruned as new ones arrive.
func OpenJournal(path string, retention uint64) (*Journal, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	if retention == 0 {
		retention = 4096
	}
	return &Journal{db: db, retention: retention}, nil
}

// Close closes the underlying store.
func (j *Journal) Close() error {
	return j.db.Close()
}

// LastSeq returns the highest journaled sequence number, or zero.
func (j *Journal) LastSeq() uint64 {
	var last uint64
	_ = j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the prefix range, then the first item backwards is the
		// newest event key.
		seekKey := append(append([]byte{}, eventKeyPrefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seekKey)
		if it.ValidForPrefix(eventKeyPrefix) {
			last = seqFromKey(it.Item().Key())
		}
		return nil
	})
	return last
}

// Append writes one event and prunes entries older than the retention cap.
func (j *Journal) Append(event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return j.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(eventKey(event.Seq), value); err != nil {
			return err
		}
		if event.Seq > j.retention {
			floor := event.Seq - j.retention
			if err := txn.Delete(eventKey(floor)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
}

// ReplaySince returns events with sequence numbers greater than seq, oldest
// first.
func (j *Journal) ReplaySince(seq uint64) ([]Event, error) {
	var events []Event
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(eventKey(seq + 1)); it.ValidForPrefix(eventKeyPrefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var event Event
				if err := json.Unmarshal(val, &event); err != nil {
					return err
				}
				events = append(events, event)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return events, err
}

func eventKey(seq uint64) []byte {
	key := append([]byte{}, eventKeyPrefix...)
	return append(key, uint64ToBytes(seq)...)
}

func seqFromKey(key []byte) uint64 {
	return bytesToUint64(key[len(eventKeyPrefix):])
}

// uint64ToBytes encodes big-endian so keys sort in sequence order.
func uint64ToBytes(i uint64) []byte {
	buf := make([]byte, 8)

	buf[0] = byte(i >> 56)
	buf[1] = byte(i >> 48)
	buf[2] = byte(i >> 40)
	buf[3] = byte(i >> 32)
	buf[4] = byte(i >> 24)
	buf[5] = byte(i >> 16)
	buf[6] = byte(i >> 8)
	buf[7] = byte(i)

	return buf
}

func bytesToUint64(buf []byte) uint64 {
	if len(buf) < 8 {
		return 0
	}

	return uint64(buf[0])<<56 |
		uint64(buf[1])<<48 |
		uint64(buf[2])<<40 |
		uint64(buf[3])<<32 |
		uint64(buf[4])<<24 |
		uint64(buf[5])<<16 |
		uint64(buf[6])<<8 |
		uint64(buf[7])
}
