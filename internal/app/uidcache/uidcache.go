// Package uidcache keeps track of message identifiers already
// processed for every mail source.
package uidcache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var ErrClosed = errors.New("uid cache is closed")

// DB is bbolt file holding one bucket per source.
type DB struct {
	db *bolt.DB

	mu     sync.Mutex
	caches map[string]*Cache
}

// Open opens or creates cache database at path.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open uid cache %q: %w", path, err)
	}

	return &DB{db: db, caches: make(map[string]*Cache)}, nil
}

// Cache returns cache of the source, loading committed identifiers on
// first access. Subsequent calls return the same instance.
func (d *DB) Cache(source string) (*Cache, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.caches[source]; ok {
		return c, nil
	}

	c := &Cache{
		bucket:  []byte(source),
		known:   make(map[string]struct{}),
		pending: make(map[string]struct{}),
		update:  d.db.Update,
	}

	err := d.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(c.bucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, _ []byte) error {
			c.known[string(k)] = struct{}{}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load uid cache of %q: %w", source, err)
	}

	d.caches[source] = c
	return c, nil
}

// Close closes underlying database. Uncommitted marks are lost.
func (d *DB) Close() error {
	return d.db.Close()
}

// Cache is a set of identifiers seen for a single source.
type Cache struct {
	bucket []byte
	update func(func(*bolt.Tx) error) error

	mu      sync.Mutex
	known   map[string]struct{}
	pending map[string]struct{}
	expired map[string]struct{}
}

// NewUIDs returns candidates not present in the cache preserving their
// order. It does not modify the cache.
func (c *Cache) NewUIDs(candidates []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var fresh []string
	for _, uid := range candidates {
		if c.has(uid) {
			continue
		}
		fresh = append(fresh, uid)
	}
	return fresh
}

// Has reports whether uid is marked.
func (c *Cache) Has(uid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.has(uid)
}

func (c *Cache) has(uid string) bool {
	if _, ok := c.pending[uid]; ok {
		return true
	}
	_, ok := c.known[uid]
	return ok
}

// Save marks uid as seen. The mark becomes persistent on Commit.
func (c *Cache) Save(uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.known[uid]; ok {
		delete(c.expired, uid)
		return
	}
	c.pending[uid] = struct{}{}
}

// Expire schedules removal of every committed identifier absent from
// current listing. Removal happens on next Commit.
func (c *Cache) Expire(current []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keep := make(map[string]struct{}, len(current))
	for _, uid := range current {
		keep[uid] = struct{}{}
	}

	c.expired = make(map[string]struct{})
	for uid := range c.known {
		if _, ok := keep[uid]; !ok {
			c.expired[uid] = struct{}{}
		}
	}
}

// Pending returns number of marks not committed yet.
func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Commit writes pending marks in a single transaction. Either all of
// them become persistent or none; failed marks are retried next time.
func (c *Cache) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 && len(c.expired) == 0 {
		return nil
	}

	err := c.update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(c.bucket)
		if err != nil {
			return err
		}
		for uid := range c.pending {
			if err = b.Put([]byte(uid), nil); err != nil {
				return fmt.Errorf("put %q: %w", uid, err)
			}
		}
		for uid := range c.expired {
			if err = b.Delete([]byte(uid)); err != nil {
				return fmt.Errorf("delete %q: %w", uid, err)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, bolt.ErrDatabaseNotOpen) {
			err = ErrClosed
		}
		return fmt.Errorf("commit uid cache %s: %w", c.bucket, err)
	}

	for uid := range c.pending {
		c.known[uid] = struct{}{}
	}
	for uid := range c.expired {
		delete(c.known, uid)
	}
	c.pending = make(map[string]struct{})
	c.expired = nil
	return nil
}
