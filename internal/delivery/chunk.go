package delivery

import (
	"sort"
	"strings"
)

// tldBuckets groups recipients by top-level domain so each chunk goes
// to a similar set of remote MTAs.
var tldBuckets = map[string]int{
	"com": 1,
	"net": 2,
	"org": 2,
	"edu": 3,
	"us":  3,
	"ca":  3,
}

// Chunk splits rcpts into batches of at most max addresses. Recipients
// are grouped by TLD bucket, highest bucket first, and every bucket
// starts a new batch. max <= 0 means no limit.
func Chunk(rcpts []string, max int) [][]string {
	buckets := map[int][]string{}
	for _, r := range rcpts {
		tld := ""
		if i := strings.LastIndexByte(r, '.'); i >= 0 {
			tld = strings.ToLower(r[i+1:])
		}
		b := tldBuckets[tld]
		buckets[b] = append(buckets[b], r)
	}
	keys := make([]int, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(keys)))

	var chunks [][]string
	for _, k := range keys {
		bucket := buckets[k]
		for len(bucket) > 0 {
			n := len(bucket)
			if max > 0 && n > max {
				n = max
			}
			chunks = append(chunks, bucket[:n:n])
			bucket = bucket[n:]
		}
	}
	return chunks
}
