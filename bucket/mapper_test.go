package bucket_test

import (
	"testing"

	"github.com/shardcore/dbreplica/bucket"
)

func TestOfIsDeterministic(t *testing.T) {
	ids := []string{"users/1", "users/2$tenantA", "orders/99", "a$b$c"}
	for _, id := range ids {
		first := bucket.Of(id, 1<<20)
		for i := 0; i < 100; i++ {
			if got := bucket.Of(id, 1<<20); got != first {
				t.Fatalf("bucket.Of(%q) not stable: %d vs %d", id, first, got)
			}
		}
	}
}

func TestOfRoutesBySeparatorSuffix(t *testing.T) {
	a := bucket.Of("users/7$tenantA", 1<<20)
	b := bucket.Of("users/9$tenantA", 1<<20)
	if a != b {
		t.Fatalf("ids sharing routing key tenantA landed in different buckets: %d vs %d", a, b)
	}
	c := bucket.Of("users/7$tenantB", 1<<20)
	if a == c {
		t.Fatalf("different routing keys unexpectedly collided (flaky is possible but unlikely): %d", a)
	}
}

func TestOfRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		b := bucket.Of(string(rune(i)), 1<<20)
		if uint32(b) >= 1<<20 {
			t.Fatalf("bucket %d out of range", b)
		}
	}
}

func TestShardOfTieBreak(t *testing.T) {
	ranges := bucket.Ranges{
		{Lo: 0, Hi: 100, Shard: 1},
		{Lo: 100, Hi: 500, Shard: 2},
		{Lo: 500, Hi: 1 << 20, Shard: 3},
	}
	cases := map[bucket.ID]int32{
		0:   1,
		99:  1,
		100: 2,
		499: 2,
		500: 3,
	}
	for b, want := range cases {
		got, err := bucket.ShardOf(b, ranges, nil, true)
		if err != nil {
			t.Fatalf("ShardOf(%d): %v", b, err)
		}
		if got != want {
			t.Fatalf("ShardOf(%d) = %d, want %d", b, got, want)
		}
	}
}

func TestShardOfMigration(t *testing.T) {
	ranges := bucket.Ranges{{Lo: 0, Hi: 1 << 20, Shard: 1}}
	migs := []bucket.Migration{{Bucket: 42, Source: 1, Dest: 2, Status: bucket.Moving}}

	writeShard, err := bucket.ShardOf(42, ranges, migs, true)
	if err != nil || writeShard != 1 {
		t.Fatalf("expected writes to stay on source during Moving, got %d (%v)", writeShard, err)
	}

	migs[0].Status = bucket.OwnershipTransferred
	writeShard, err = bucket.ShardOf(42, ranges, migs, true)
	if err != nil || writeShard != 2 {
		t.Fatalf("expected writes to move to dest after transfer, got %d (%v)", writeShard, err)
	}

	reads, err := bucket.ReadShards(42, ranges, migs)
	if err != nil || len(reads) != 2 {
		t.Fatalf("expected reads to be servable from either shard during migration, got %v (%v)", reads, err)
	}
}

func TestShardOfUnknownBucket(t *testing.T) {
	ranges := bucket.Ranges{{Lo: 0, Hi: 10, Shard: 1}}
	if _, err := bucket.ShardOf(20, ranges, nil, true); err == nil {
		t.Fatal("expected error for bucket outside any range")
	}
}
