// Package bolt хранит транзакции покупки во встроенной key/value базе BoltDB.
// Все данные живут в одном файле, внешний процесс БД не нужен.
package bolt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
)

const openTimeout = time.Second

var (
	bucketTransactions = []byte("purchase_transactions")
	bucketActivePairs  = []byte("active_pairs")
	bucketHistory      = []byte("status_history")
	bucketOutbox       = []byte("outbox_messages")
	bucketOutboxIndex  = []byte("outbox_index")

	allBuckets = [][]byte{bucketTransactions, bucketActivePairs, bucketHistory, bucketOutbox, bucketOutboxIndex}
)

// Store оборачивает файл BoltDB. Транзакции, история и outbox меняются в одной
// read-write транзакции Bolt, поэтому переход статуса атомарен.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open открывает (или создаёт) базу по пути path и создаёт недостающие бакеты.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close освобождает файловую блокировку.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Outbox возвращает outbox, который пополняется переходами этого хранилища.
func (s *Store) Outbox() *OutboxRepository {
	return &OutboxRepository{store: s}
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func pairKey(userID, packageID string) []byte {
	return []byte(userID + "\x00" + packageID)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode bolt record: %w", err)
	}
	return b.Put(key, data)
}
