package recorder

import "sync"

const threadShardCount = 64
const threadShardMask = threadShardCount - 1

// threadTable is a sharded map of live threads keyed by thread id.
type threadTable struct {
	shards [threadShardCount]threadShard
}

type threadShard struct {
	mu      sync.RWMutex
	threads map[int]*Thread
}

func newThreadTable() *threadTable {
	tt := &threadTable{}
	for i := range tt.shards {
		tt.shards[i].threads = make(map[int]*Thread)
	}
	return tt
}

func (tt *threadTable) shard(id int) *threadShard {
	return &tt.shards[uint(id)&threadShardMask]
}

func (tt *threadTable) add(t *Thread) {
	s := tt.shard(t.id)
	s.mu.Lock()
	s.threads[t.id] = t
	s.mu.Unlock()
}

func (tt *threadTable) get(id int) (*Thread, bool) {
	s := tt.shard(id)
	s.mu.RLock()
	t, ok := s.threads[id]
	s.mu.RUnlock()
	return t, ok
}

func (tt *threadTable) remove(id int) {
	s := tt.shard(id)
	s.mu.Lock()
	delete(s.threads, id)
	s.mu.Unlock()
}

func (tt *threadTable) len() int {
	n := 0
	for i := range tt.shards {
		s := &tt.shards[i]
		s.mu.RLock()
		n += len(s.threads)
		s.mu.RUnlock()
	}
	return n
}
