package clog_test

import (
	"context"
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/shardcore/dbreplica/bucket"
	"github.com/shardcore/dbreplica/clog"
)

func drain(idx *clog.MemIndex, k clog.Kind, b bucket.ID, from uint64) []clog.Entry {
	cur, err := idx.ScanByBucket(context.Background(), k, b, from)
	Expect(err).NotTo(HaveOccurred())
	defer cur.Close()
	var out []clog.Entry
	for cur.Next(context.Background()) {
		out = append(out, cur.Entry())
	}
	return out
}

var _ = Describe("MemIndex", func() {
	It("returns entries strictly ascending and bucket-pure", func() {
		idx := clog.NewMemIndex(1 << 20)
		suffix := "suffix0"
		var lastEtagAt70 uint64
		for i := 0; i < 100; i++ {
			id := fmt.Sprintf("users/%d$%s", i, suffix)
			etag, err := idx.Append(clog.Entry{Kind: clog.Document, Bucket: bucket.Of(id, idx.BucketCount()), ID: id})
			Expect(err).NotTo(HaveOccurred())
			if i == 69 { // 70th document, 0-indexed
				lastEtagAt70 = etag
			}
		}

		b := bucket.Of("suffix0", idx.BucketCount())
		all := drain(idx, clog.Document, b, 0)
		Expect(all).To(HaveLen(100))
		for i, e := range all {
			Expect(e.Bucket).To(Equal(b))
			if i > 0 {
				Expect(e.Etag).To(BeNumerically(">", all[i-1].Etag))
			}
		}

		rest := drain(idx, clog.Document, b, lastEtagAt70)
		Expect(rest).To(HaveLen(30))
		for _, e := range rest {
			Expect(e.ID).To(HaveSuffix("$" + suffix))
		}
	})

	It("returns the empty sequence for an empty bucket", func() {
		idx := clog.NewMemIndex(1 << 20)
		out := drain(idx, clog.Document, 5, 0)
		Expect(out).To(BeEmpty())
	})

	It("rejects an unknown kind or an out-of-range bucket", func() {
		idx := clog.NewMemIndex(1 << 20)
		_, err := idx.ScanByBucket(context.Background(), clog.Kind(99), 0, 0)
		Expect(err).To(HaveOccurred())

		_, err = idx.ScanByBucket(context.Background(), clog.Document, bucket.ID(1<<20), 0)
		Expect(err).To(HaveOccurred())
	})

	It("does not observe entries committed after the scan starts (snapshot isolation)", func() {
		idx := clog.NewMemIndex(1 << 20)
		b := bucket.ID(7)
		_, err := idx.Append(clog.Entry{Kind: clog.Document, Bucket: b, ID: "a"})
		Expect(err).NotTo(HaveOccurred())

		cur, err := idx.ScanByBucket(context.Background(), clog.Document, b, 0)
		Expect(err).NotTo(HaveOccurred())

		_, err = idx.Append(clog.Entry{Kind: clog.Document, Bucket: b, ID: "b"})
		Expect(err).NotTo(HaveOccurred())

		var out []clog.Entry
		for cur.Next(context.Background()) {
			out = append(out, cur.Entry())
		}
		Expect(out).To(HaveLen(1))
		Expect(out[0].ID).To(Equal("a"))
	})

	It("evicts tombstones strictly below the given etag and keeps the rest", func() {
		idx := clog.NewMemIndex(1 << 20)
		b := bucket.ID(1)
		e1, _ := idx.Append(clog.Entry{Kind: clog.Tombstone, Bucket: b, ID: "x"})
		_, _ = idx.Append(clog.Entry{Kind: clog.Tombstone, Bucket: b, ID: "y"})

		evicted := idx.EvictTombstonesBelow(e1 + 1)
		Expect(evicted).To(Equal(1))

		remaining := drain(idx, clog.Tombstone, b, 0)
		Expect(remaining).To(HaveLen(1))
		Expect(remaining[0].ID).To(Equal("y"))
	})
})
