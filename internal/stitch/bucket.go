// Bucket hashing and the bounded parent-id recency cache.
package stitch

import "hash/fnv"

// bucketFor maps a parent id to a disk bucket. FNV-1a 32-bit, reduced modulo
// the bucket count. Both the parent-index path and the orphan spill path go
// through this one function; the finalize phase depends on them agreeing.
func bucketFor(parentID string, bucketCount int) int {
	h := fnv.New32a()
	h.Write([]byte(parentID))
	return int(h.Sum32() % uint32(bucketCount))
}

// recentSet is a bounded set of recently seen parent ids with FIFO eviction.
// It is a pure performance optimization: the disk-persisted bucket files are
// the source of truth for the finalize pass, so evicting an id can only cause
// a child to take the slow path, never to be lost.
type recentSet struct {
	max    int
	member map[string]struct{}
	order  []string
}

func newRecentSet(max int) *recentSet {
	return &recentSet{max: max, member: make(map[string]struct{}, max)}
}

func (s *recentSet) Has(id string) bool {
	_, ok := s.member[id]
	return ok
}

func (s *recentSet) Add(id string) {
	if _, ok := s.member[id]; ok {
		return
	}
	s.member[id] = struct{}{}
	s.order = append(s.order, id)
	for len(s.order) > s.max {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.member, evict)
	}
}

func (s *recentSet) Len() int { return len(s.member) }
