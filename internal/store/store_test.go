// nestbox - multi-tenant collaborative music jukebox runtime
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "nestbox-store-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("failed to open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return New(db, NewFakePubSub())
}

func TestStore_StringRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected absent key, got ok=%v err=%v", ok, err)
	}

	if err := s.Set(ctx, "k1", "v1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	v, ok, err := s.Get(ctx, "k1")
	if err != nil || !ok || v != "v1" {
		t.Fatalf("unexpected get result: %s %v %v", v, ok, err)
	}

	if err := s.Del(ctx, "k1"); err != nil {
		t.Fatalf("del failed: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k1"); ok {
		t.Fatal("expected key deleted")
	}
}

func TestStore_SetNX(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	won, err := s.SetNX(ctx, "lease", "worker-1", time.Second)
	if err != nil || !won {
		t.Fatalf("expected to win lease, got won=%v err=%v", won, err)
	}

	won, err = s.SetNX(ctx, "lease", "worker-2", time.Second)
	if err != nil || won {
		t.Fatalf("expected second lease attempt to lose, got won=%v err=%v", won, err)
	}

	// Badger records expiry in whole seconds, so wait past the next
	// second boundary plus the TTL.
	time.Sleep(2 * time.Second)
	won, err = s.SetNX(ctx, "lease", "worker-2", time.Second)
	if err != nil || !won {
		t.Fatalf("expected lease to be acquirable after expiry, got won=%v err=%v", won, err)
	}
}

func TestStore_Incr(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		got, err := s.Incr(ctx, "counter")
		if err != nil {
			t.Fatalf("incr failed: %v", err)
		}
		if got != i {
			t.Fatalf("expected %d, got %d", i, got)
		}
	}
}

func TestStore_HashOps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.HSetMany(ctx, "h1", map[string]string{"a": "1", "b": "2"}, 0); err != nil {
		t.Fatalf("hset failed: %v", err)
	}

	v, ok, err := s.HGet(ctx, "h1", "a")
	if err != nil || !ok || v != "1" {
		t.Fatalf("unexpected hget: %s %v %v", v, ok, err)
	}

	all, err := s.HGetAll(ctx, "h1")
	if err != nil || len(all) != 2 {
		t.Fatalf("unexpected hgetall: %v %v", all, err)
	}

	n, err := s.HIncrBy(ctx, "h1", "vote", 1)
	if err != nil || n != 1 {
		t.Fatalf("unexpected hincrby: %d %v", n, err)
	}
	n, err = s.HIncrBy(ctx, "h1", "vote", -1)
	if err != nil || n != 0 {
		t.Fatalf("unexpected hincrby: %d %v", n, err)
	}

	if err := s.HDelField(ctx, "h1", "a"); err != nil {
		t.Fatalf("hdelfield failed: %v", err)
	}
	if _, ok, _ := s.HGet(ctx, "h1", "a"); ok {
		t.Fatal("expected field a removed")
	}
	if _, ok, _ := s.HGet(ctx, "h1", "b"); !ok {
		t.Fatal("expected field b to survive HDelField")
	}

	if err := s.HDel(ctx, "h1"); err != nil {
		t.Fatalf("hdel failed: %v", err)
	}
	all, err = s.HGetAll(ctx, "h1")
	if err != nil || len(all) != 0 {
		t.Fatalf("expected empty hash after hdel, got %v", all)
	}
}

func TestStore_SortedSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.ZAdd(ctx, "z1", "c", 3); err != nil {
		t.Fatalf("zadd failed: %v", err)
	}
	if err := s.ZAdd(ctx, "z1", "a", 1); err != nil {
		t.Fatalf("zadd failed: %v", err)
	}
	if err := s.ZAdd(ctx, "z1", "b", 2); err != nil {
		t.Fatalf("zadd failed: %v", err)
	}

	members, err := s.ZRangeWithScores(ctx, "z1", 0, -1)
	if err != nil {
		t.Fatalf("zrange failed: %v", err)
	}
	if len(members) != 3 || members[0].Member != "a" || members[2].Member != "c" {
		t.Fatalf("unexpected order: %+v", members)
	}

	rank, ok, err := s.ZRank(ctx, "z1", "b")
	if err != nil || !ok || rank != 1 {
		t.Fatalf("unexpected rank: %d %v %v", rank, ok, err)
	}

	score, err := s.ZIncrBy(ctx, "z1", "a", 5)
	if err != nil || score != 6 {
		t.Fatalf("unexpected zincrby result: %f %v", score, err)
	}

	if err := s.ZRem(ctx, "z1", "b"); err != nil {
		t.Fatalf("zrem failed: %v", err)
	}
	card, err := s.ZCard(ctx, "z1")
	if err != nil || card != 2 {
		t.Fatalf("unexpected cardinality: %d %v", card, err)
	}
}

func TestStore_Set(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SAdd(ctx, "s1", "alice", "bob"); err != nil {
		t.Fatalf("sadd failed: %v", err)
	}
	ok, err := s.SIsMember(ctx, "s1", "alice")
	if err != nil || !ok {
		t.Fatalf("expected alice to be a member: %v %v", ok, err)
	}
	if err := s.SRem(ctx, "s1", "alice"); err != nil {
		t.Fatalf("srem failed: %v", err)
	}
	members, err := s.SMembers(ctx, "s1")
	if err != nil || len(members) != 1 || members[0] != "bob" {
		t.Fatalf("unexpected members: %v %v", members, err)
	}
}

func TestStore_ScanAndUnlinkPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "NEST:abc12|a", "1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := s.HSetMany(ctx, "NEST:abc12|b", map[string]string{"x": "1"}, 0); err != nil {
		t.Fatalf("hset failed: %v", err)
	}
	if err := s.ZAdd(ctx, "NEST:abc12|c", "m", 1); err != nil {
		t.Fatalf("zadd failed: %v", err)
	}
	if err := s.Set(ctx, "NEST:other|a", "1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	keys, err := s.ScanPrefix(ctx, "NEST:abc12|", 100)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %v", keys)
	}

	deleted, err := s.UnlinkPrefix(ctx, "NEST:abc12|", 100)
	if err != nil {
		t.Fatalf("unlink failed: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 deletions, got %d", deleted)
	}

	keys, err = s.ScanPrefix(ctx, "NEST:abc12|", 100)
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected no keys left, got %v %v", keys, err)
	}
	if _, ok, _ := s.Get(ctx, "NEST:other|a"); !ok {
		t.Fatal("unrelated nest's key should survive unlink")
	}
}

func TestStore_PubSub(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ch, cancel, err := s.Subscribe(ctx, "NEST:abc12|MISC|update-pubsub")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	if err := s.Publish(ctx, "NEST:abc12|MISC|update-pubsub", "playlist_update"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case msg := <-ch:
		if msg != "playlist_update" {
			t.Fatalf("unexpected message: %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestStore_Pipeline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := s.NewPipeline()
	p.QueueSet("p1", "v1").QueueSet("p2", "v2")
	if err := p.Exec(ctx); err != nil {
		t.Fatalf("pipeline exec failed: %v", err)
	}

	if v, ok, _ := s.Get(ctx, "p1"); !ok || v != "v1" {
		t.Fatalf("unexpected p1: %s %v", v, ok)
	}
	if v, ok, _ := s.Get(ctx, "p2"); !ok || v != "v2" {
		t.Fatalf("unexpected p2: %s %v", v, ok)
	}
}
