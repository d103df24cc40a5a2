package mailbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

var (
	bucketOutbox  = []byte("outbox")
	bucketInbox   = []byte("inbox")
	bucketArchive = []byte("archive")
)

// BoltQueue keeps the same copy-then-archive semantics as FileQueue inside a
// single bolt database. Inboxes are nested buckets under "inbox", keyed by
// role; every message value is JSON.
type BoltQueue struct {
	db *bolt.DB
}

func NewBoltQueue(path string) (*BoltQueue, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open mailbox db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketOutbox, bucketInbox, bucketArchive} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init mailbox buckets: %w", err)
	}
	return &BoltQueue{db: db}, nil
}

func (q *BoltQueue) Post(m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	m.normalize(m.ID, m.From, time.Now().UTC())
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).Put([]byte(m.ID), data)
	})
}

func (q *BoltQueue) Outbound() ([]Message, error) {
	var out []Message
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(_, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("unmarshal outbox message: %w", err)
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortOldestFirst(out)
	return out, nil
}

func (q *BoltQueue) Deliver(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		inbox, err := tx.Bucket(bucketInbox).CreateBucketIfNotExists([]byte(m.To))
		if err != nil {
			return fmt.Errorf("inbox %s: %w", m.To, err)
		}
		return inbox.Put([]byte(m.ID), data)
	})
}

func (q *BoltQueue) Archive(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketArchive).Put([]byte(m.archiveName()), data); err != nil {
			return err
		}
		return tx.Bucket(bucketOutbox).Delete([]byte(m.ID))
	})
}

func (q *BoltQueue) Inbox(role string) ([]Message, error) {
	var out []Message
	err := q.db.View(func(tx *bolt.Tx) error {
		inbox := tx.Bucket(bucketInbox).Bucket([]byte(role))
		if inbox == nil {
			return nil
		}
		return inbox.ForEach(func(_, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("unmarshal inbox message: %w", err)
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortOldestFirst(out)
	return out, nil
}

func (q *BoltQueue) History(limit int) ([]Message, error) {
	var out []Message
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketArchive).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("unmarshal archived message: %w", err)
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

func (q *BoltQueue) Close() error { return q.db.Close() }
