// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store is the typed facade the core uses over a key/value +
// pub/sub backend (C1). It is backed by BadgerDB for the durable
// key/value half (following the teacher's internal/auth/session_badger.go
// txn-per-operation style) and by core NATS pub/sub for the messaging
// half. No operation depends on cross-key transactions: every call is
// either a single BadgerDB transaction or a best-effort pipeline.
package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/nestbox-fm/nestbox/internal/logging"
)

// Store wraps a BadgerDB handle and a pub/sub backend behind the
// typed operations the core needs: strings with TTL, hashes, sorted
// sets, sets, pipelines, prefix scans, and pub/sub.
type Store struct {
	db     *badger.DB
	pubsub PubSub
}

// PubSub is the messaging half of the store abstraction. It is
// implemented by natspubsub.Bus in production and by an in-process
// fake in tests.
type PubSub interface {
	Publish(ctx context.Context, subject, payload string) error
	Subscribe(ctx context.Context, subject string) (<-chan string, func(), error)
}

// New wraps an already-opened BadgerDB handle and pub/sub backend.
func New(db *badger.DB, pubsub PubSub) *Store {
	return &Store{db: db, pubsub: pubsub}
}

// Key namespace tags. Every logical key the core uses (e.g.
// "NEST:abc12|MISC|now-playing") is stored under one of these raw
// prefixes depending on which typed operation wrote it, so a single
// logical name can carry a string, a hash, a sorted set, and a set
// without collision.
const (
	tagString = "K:"
	tagHash   = "H:"
	tagZSet   = "Z:"
	tagSet    = "S:"
)

func rawKey(tag, logical string) []byte { return []byte(tag + logical) }

// --- strings -----------------------------------------------------------

// Get returns the string value stored at key, or ok=false if absent
// or expired.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(rawKey(tagString, key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			val = append([]byte(nil), v...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get %q: %w", key, err)
	}
	return string(val), true, nil
}

// Set stores value at key with no expiration.
func (s *Store) Set(_ context.Context, key, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(rawKey(tagString, key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("store: set %q: %w", key, err)
	}
	return nil
}

// SetNX sets value at key only if it does not already exist, mirroring
// Redis SETNX. Returns true if the set happened (the caller won the
// race, e.g. the master-player lease).
func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	won := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(rawKey(tagString, key))
		if err == nil {
			return nil // already present, not won
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		entry := badger.NewEntry(rawKey(tagString, key), []byte(value))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		won = true
		return txn.SetEntry(entry)
	})
	if err != nil {
		return false, fmt.Errorf("store: setnx %q: %w", key, err)
	}
	return won, nil
}

// SetTTL stores value at key with the given expiration.
func (s *Store) SetTTL(_ context.Context, key, value string, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(rawKey(tagString, key), []byte(value)).WithTTL(ttl))
	})
	if err != nil {
		return fmt.Errorf("store: setex %q: %w", key, err)
	}
	return nil
}

// Expire applies a TTL to an already-set key, preserving its value.
func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(rawKey(tagString, key))
		if err != nil {
			return err
		}
		var val []byte
		if err := item.Value(func(v []byte) error {
			val = append([]byte(nil), v...)
			return nil
		}); err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(rawKey(tagString, key), val).WithTTL(ttl))
	})
	if err == badger.ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: expire %q: %w", key, err)
	}
	return nil
}

// TTL returns the remaining time-to-live for key, or 0 if the key is
// absent, expired, or carries no expiration.
func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(rawKey(tagString, key))
		if err != nil {
			return err
		}
		exp := item.ExpiresAt()
		if exp == 0 {
			ttl = 0
			return nil
		}
		remaining := time.Until(time.Unix(int64(exp), 0))
		if remaining < 0 {
			remaining = 0
		}
		ttl = remaining
		return nil
	})
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: ttl %q: %w", key, err)
	}
	return ttl, nil
}

// Del removes one or more string keys.
func (s *Store) Del(_ context.Context, keys ...string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(rawKey(tagString, k)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
}

// Incr atomically increments the integer stored at key (treated as 0
// if absent) and returns the new value. Used to mint the monotonic
// playlist-plays id.
func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	var result int64
	err := s.db.Update(func(txn *badger.Txn) error {
		var cur int64
		item, err := txn.Get(rawKey(tagString, key))
		switch {
		case err == nil:
			verr := item.Value(func(v []byte) error {
				cur, _ = strconv.ParseInt(string(v), 10, 64)
				return nil
			})
			if verr != nil {
				return verr
			}
		case err == badger.ErrKeyNotFound:
			cur = 0
		default:
			return err
		}
		result = cur + 1
		return txn.Set(rawKey(tagString, key), []byte(strconv.FormatInt(result, 10)))
	})
	if err != nil {
		return 0, fmt.Errorf("store: incr %q: %w", key, err)
	}
	return result, nil
}

// --- hashes --------------------------------------------------------------

// hashBlob is the JSON envelope persisted for a hash key; fields are
// kept as strings to mirror Redis hash semantics exactly.
type hashBlob map[string]string

func (s *Store) readHash(txn *badger.Txn, key string) (hashBlob, error) {
	item, err := txn.Get(rawKey(tagHash, key))
	if err == badger.ErrKeyNotFound {
		return hashBlob{}, nil
	}
	if err != nil {
		return nil, err
	}
	var h hashBlob
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &h)
	}); err != nil {
		return nil, err
	}
	if h == nil {
		h = hashBlob{}
	}
	return h, nil
}

func (s *Store) writeHash(txn *badger.Txn, key string, h hashBlob, ttl time.Duration) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	entry := badger.NewEntry(rawKey(tagHash, key), data)
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	} else if item, ierr := txn.Get(rawKey(tagHash, key)); ierr == nil {
		// Preserve an existing TTL when the caller didn't specify one.
		if exp := item.ExpiresAt(); exp != 0 {
			remaining := time.Until(time.Unix(int64(exp), 0))
			if remaining > 0 {
				entry = entry.WithTTL(remaining)
			}
		}
	}
	return txn.SetEntry(entry)
}

// HSet sets a single field in the hash at key, preserving any
// existing TTL on the hash.
func (s *Store) HSet(_ context.Context, key, field, value string) error {
	return s.HSetMany(context.Background(), key, map[string]string{field: value}, 0)
}

// HSetMany sets multiple fields at once. If ttl > 0 it (re)applies
// that expiration to the whole hash; otherwise any existing TTL is
// preserved.
func (s *Store) HSetMany(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		h, err := s.readHash(txn, key)
		if err != nil {
			return err
		}
		for k, v := range fields {
			h[k] = v
		}
		return s.writeHash(txn, key, h, ttl)
	})
	if err != nil {
		return fmt.Errorf("store: hset %q: %w", key, err)
	}
	return nil
}

// HGet returns one field from the hash at key.
func (s *Store) HGet(_ context.Context, key, field string) (string, bool, error) {
	var val string
	var ok bool
	err := s.db.View(func(txn *badger.Txn) error {
		h, err := s.readHash(txn, key)
		if err != nil {
			return err
		}
		val, ok = h[field]
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("store: hget %q.%q: %w", key, field, err)
	}
	return val, ok, nil
}

// HGetAll returns every field in the hash at key.
func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	var h hashBlob
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		h, err = s.readHash(txn, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: hgetall %q: %w", key, err)
	}
	return h, nil
}

// HDel removes the whole hash key (used when a queue entry's detail
// hash is deleted outright).
func (s *Store) HDel(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(rawKey(tagHash, key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("store: hdel %q: %w", key, err)
	}
	return nil
}

// HDelField removes a single field from the hash at key, leaving the
// rest of the hash (and its TTL) intact. Used to drop one nest's entry
// from the shared NESTS|registry hash.
func (s *Store) HDelField(_ context.Context, key, field string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		h, err := s.readHash(txn, key)
		if err != nil {
			return err
		}
		if _, ok := h[field]; !ok {
			return nil
		}
		delete(h, field)
		return s.writeHash(txn, key, h, 0)
	})
	if err != nil {
		return fmt.Errorf("store: hdelfield %q.%q: %w", key, field, err)
	}
	return nil
}

// HIncrBy atomically adjusts an integer field in the hash at key and
// returns the new value. Used for the vote counter.
func (s *Store) HIncrBy(_ context.Context, key, field string, delta int) (int, error) {
	var result int
	err := s.db.Update(func(txn *badger.Txn) error {
		h, err := s.readHash(txn, key)
		if err != nil {
			return err
		}
		cur, _ := strconv.Atoi(h[field])
		result = cur + delta
		h[field] = strconv.Itoa(result)
		return s.writeHash(txn, key, h, 0)
	})
	if err != nil {
		return 0, fmt.Errorf("store: hincrby %q.%q: %w", key, field, err)
	}
	return result, nil
}

// HExpire applies a TTL to an entire hash.
func (s *Store) HExpire(_ context.Context, key string, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		h, err := s.readHash(txn, key)
		if err != nil {
			return err
		}
		return s.writeHash(txn, key, h, ttl)
	})
	if err != nil {
		return fmt.Errorf("store: hexpire %q: %w", key, err)
	}
	return nil
}

// --- sorted sets -----------------------------------------------------------

// ZMember is one (member, score) pair from a sorted-set range.
type ZMember struct {
	Member string
	Score  float64
}

func zsetBlobKey(key string) []byte { return rawKey(tagZSet, key) }

type zsetBlob map[string]float64

func (s *Store) readZSet(txn *badger.Txn, key string) (zsetBlob, error) {
	item, err := txn.Get(zsetBlobKey(key))
	if err == badger.ErrKeyNotFound {
		return zsetBlob{}, nil
	}
	if err != nil {
		return nil, err
	}
	var z zsetBlob
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &z)
	}); err != nil {
		return nil, err
	}
	if z == nil {
		z = zsetBlob{}
	}
	return z, nil
}

func (s *Store) writeZSet(txn *badger.Txn, key string, z zsetBlob) error {
	data, err := json.Marshal(z)
	if err != nil {
		return err
	}
	return txn.Set(zsetBlobKey(key), data)
}

// ZAdd sets the score of member in the sorted set at key.
func (s *Store) ZAdd(_ context.Context, key, member string, score float64) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		z, err := s.readZSet(txn, key)
		if err != nil {
			return err
		}
		z[member] = score
		return s.writeZSet(txn, key, z)
	})
	if err != nil {
		return fmt.Errorf("store: zadd %q: %w", key, err)
	}
	return nil
}

// ZIncrBy adds delta to member's score, creating it at delta if
// absent, and returns the new score.
func (s *Store) ZIncrBy(_ context.Context, key, member string, delta float64) (float64, error) {
	var result float64
	err := s.db.Update(func(txn *badger.Txn) error {
		z, err := s.readZSet(txn, key)
		if err != nil {
			return err
		}
		result = z[member] + delta
		z[member] = result
		return s.writeZSet(txn, key, z)
	})
	if err != nil {
		return 0, fmt.Errorf("store: zincrby %q: %w", key, err)
	}
	return result, nil
}

// ZScore returns member's score.
func (s *Store) ZScore(_ context.Context, key, member string) (float64, bool, error) {
	var score float64
	var ok bool
	err := s.db.View(func(txn *badger.Txn) error {
		z, err := s.readZSet(txn, key)
		if err != nil {
			return err
		}
		score, ok = z[member]
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("store: zscore %q: %w", key, err)
	}
	return score, ok, nil
}

// ZRem removes members from the sorted set at key.
func (s *Store) ZRem(_ context.Context, key string, members ...string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		z, err := s.readZSet(txn, key)
		if err != nil {
			return err
		}
		for _, m := range members {
			delete(z, m)
		}
		return s.writeZSet(txn, key, z)
	})
	if err != nil {
		return fmt.Errorf("store: zrem %q: %w", key, err)
	}
	return nil
}

// ZCard returns the number of members in the sorted set at key.
func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		z, err := s.readZSet(txn, key)
		if err != nil {
			return err
		}
		n = int64(len(z))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: zcard %q: %w", key, err)
	}
	return n, nil
}

func sortedMembers(z zsetBlob) []ZMember {
	out := make([]ZMember, 0, len(z))
	for m, sc := range z {
		out = append(out, ZMember{Member: m, Score: sc})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

// ZRangeWithScores returns members in ascending score order between
// ranks [start, stop] inclusive. Negative stop (-1) means "to the
// end", matching Redis ZRANGE semantics.
func (s *Store) ZRangeWithScores(_ context.Context, key string, start, stop int) ([]ZMember, error) {
	var members []ZMember
	err := s.db.View(func(txn *badger.Txn) error {
		z, err := s.readZSet(txn, key)
		if err != nil {
			return err
		}
		all := sortedMembers(z)
		members = sliceRange(all, start, stop)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: zrange %q: %w", key, err)
	}
	return members, nil
}

func sliceRange[T any](all []T, start, stop int) []T {
	n := len(all)
	if n == 0 {
		return nil
	}
	if start < 0 {
		start = 0
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil
	}
	out := make([]T, stop-start+1)
	copy(out, all[start:stop+1])
	return out
}

// ZRank returns member's 0-based rank in ascending score order.
func (s *Store) ZRank(_ context.Context, key, member string) (int, bool, error) {
	var rank int
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		z, err := s.readZSet(txn, key)
		if err != nil {
			return err
		}
		for i, m := range sortedMembers(z) {
			if m.Member == member {
				rank, found = i, true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("store: zrank %q: %w", key, err)
	}
	return rank, found, nil
}

// --- sets ------------------------------------------------------------------

type setBlob map[string]struct{}

func (s *Store) readSet(txn *badger.Txn, key string) (setBlob, error) {
	item, err := txn.Get(rawKey(tagSet, key))
	if err == badger.ErrKeyNotFound {
		return setBlob{}, nil
	}
	if err != nil {
		return nil, err
	}
	var members []string
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &members)
	}); err != nil {
		return nil, err
	}
	out := make(setBlob, len(members))
	for _, m := range members {
		out[m] = struct{}{}
	}
	return out, nil
}

func (s *Store) writeSet(txn *badger.Txn, key string, set setBlob) error {
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Strings(members)
	data, err := json.Marshal(members)
	if err != nil {
		return err
	}
	return txn.Set(rawKey(tagSet, key), data)
}

// SAdd adds members to the set at key.
func (s *Store) SAdd(_ context.Context, key string, members ...string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		set, err := s.readSet(txn, key)
		if err != nil {
			return err
		}
		for _, m := range members {
			set[m] = struct{}{}
		}
		return s.writeSet(txn, key, set)
	})
	if err != nil {
		return fmt.Errorf("store: sadd %q: %w", key, err)
	}
	return nil
}

// SRem removes members from the set at key.
func (s *Store) SRem(_ context.Context, key string, members ...string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		set, err := s.readSet(txn, key)
		if err != nil {
			return err
		}
		for _, m := range members {
			delete(set, m)
		}
		return s.writeSet(txn, key, set)
	})
	if err != nil {
		return fmt.Errorf("store: srem %q: %w", key, err)
	}
	return nil
}

// SIsMember reports whether member is in the set at key.
func (s *Store) SIsMember(_ context.Context, key, member string) (bool, error) {
	var ok bool
	err := s.db.View(func(txn *badger.Txn) error {
		set, err := s.readSet(txn, key)
		if err != nil {
			return err
		}
		_, ok = set[member]
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store: sismember %q: %w", key, err)
	}
	return ok, nil
}

// SMembers returns every member of the set at key.
func (s *Store) SMembers(_ context.Context, key string) ([]string, error) {
	var members []string
	err := s.db.View(func(txn *badger.Txn) error {
		set, err := s.readSet(txn, key)
		if err != nil {
			return err
		}
		for m := range set {
			members = append(members, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: smembers %q: %w", key, err)
	}
	sort.Strings(members)
	return members, nil
}

// SCard returns the cardinality of the set at key.
func (s *Store) SCard(_ context.Context, key string) (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		set, err := s.readSet(txn, key)
		if err != nil {
			return err
		}
		n = int64(len(set))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: scard %q: %w", key, err)
	}
	return n, nil
}

// --- scans and bulk delete ---------------------------------------------

// ScanPrefix returns every logical key (across strings, hashes,
// sorted sets, and sets) whose name begins with prefix. pageSize
// bounds the number of raw badger keys inspected per internal
// iterator batch; the caller sees the deduplicated logical result.
func (s *Store) ScanPrefix(_ context.Context, prefix string, pageSize int) ([]string, error) {
	seen := make(map[string]struct{})
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		if pageSize > 0 {
			opts.PrefetchSize = pageSize
		}
		it := txn.NewIterator(opts)
		defer it.Close()
		for _, tag := range []string{tagString, tagHash, tagZSet, tagSet} {
			rawPrefix := []byte(tag + prefix)
			for it.Seek(rawPrefix); it.ValidForPrefix(rawPrefix); it.Next() {
				raw := string(it.Item().Key())
				logical := raw[len(tag):]
				seen[logical] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan %q: %w", prefix, err)
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// UnlinkPrefix deletes every raw key (across all namespaces) whose
// logical name begins with prefix, in batches, mirroring Redis
// UNLINK's non-blocking bulk delete.
func (s *Store) UnlinkPrefix(_ context.Context, prefix string, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 200
	}
	deleted := 0
	for {
		var batch [][]byte
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()
			for _, tag := range []string{tagString, tagHash, tagZSet, tagSet} {
				rawPrefix := []byte(tag + prefix)
				for it.Seek(rawPrefix); it.ValidForPrefix(rawPrefix); it.Next() {
					batch = append(batch, append([]byte(nil), it.Item().Key()...))
					if len(batch) >= batchSize {
						return nil
					}
				}
			}
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("store: unlink scan %q: %w", prefix, err)
		}
		if len(batch) == 0 {
			return deleted, nil
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			for _, k := range batch {
				if derr := txn.Delete(k); derr != nil && derr != badger.ErrKeyNotFound {
					return derr
				}
			}
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("store: unlink delete %q: %w", prefix, err)
		}
		deleted += len(batch)
	}
}

// --- pub/sub ---------------------------------------------------------------

// Publish broadcasts payload on subject.
func (s *Store) Publish(ctx context.Context, subject, payload string) error {
	if s.pubsub == nil {
		return nil
	}
	if err := s.pubsub.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("store: publish %q: %w", subject, err)
	}
	return nil
}

// Subscribe returns a channel of payloads published on subject and an
// unsubscribe function.
func (s *Store) Subscribe(ctx context.Context, subject string) (<-chan string, func(), error) {
	if s.pubsub == nil {
		ch := make(chan string)
		return ch, func() {}, nil
	}
	ch, cancel, err := s.pubsub.Subscribe(ctx, subject)
	if err != nil {
		return nil, nil, fmt.Errorf("store: subscribe %q: %w", subject, err)
	}
	return ch, cancel, nil
}

// Pipeline batches a set of write operations into one BadgerDB
// transaction, best-effort (no rollback semantics beyond the
// transaction's own atomicity; unrelated keys are never coordinated
// across multiple pipelines).
type Pipeline struct {
	store *Store
	ops   []func(txn *badger.Txn) error
}

// NewPipeline starts a pipeline against the store.
func (s *Store) NewPipeline() *Pipeline {
	return &Pipeline{store: s}
}

// QueueSet appends a string-set operation to the pipeline.
func (p *Pipeline) QueueSet(key, value string) *Pipeline {
	p.ops = append(p.ops, func(txn *badger.Txn) error {
		return txn.Set(rawKey(tagString, key), []byte(value))
	})
	return p
}

// QueueDel appends a delete operation to the pipeline.
func (p *Pipeline) QueueDel(key string) *Pipeline {
	p.ops = append(p.ops, func(txn *badger.Txn) error {
		err := txn.Delete(rawKey(tagString, key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	return p
}

// Exec runs every queued operation inside one transaction.
func (p *Pipeline) Exec(_ context.Context) error {
	err := p.store.db.Update(func(txn *badger.Txn) error {
		for _, op := range p.ops {
			if err := op(txn); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: pipeline exec: %w", err)
	}
	return nil
}

// RunGC triggers BadgerDB's value-log garbage collection. Intended to
// be called periodically by the supervisor, not from request paths.
func (s *Store) RunGC(ratio float64) error {
	err := s.db.RunValueLogGC(ratio)
	if err != nil && err != badger.ErrNoRewrite {
		return err
	}
	return nil
}

// Close closes the underlying BadgerDB handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		logging.Warn().Err(err).Msg("error closing store")
		return err
	}
	return nil
}
