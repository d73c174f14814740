package segment

import "sync"

// Threads register once and are looked up by id on every sweep. sync.Map is
// tuned for read-mostly keys with rare writes; producers may come and go at a
// high rate, so the table is sharded by thread id instead.

const writerShardCount = 32
const writerShardMask = writerShardCount - 1

// writerTable tracks per-thread writers using sharded locking.
type writerTable struct {
	shards [writerShardCount]writerShard
}

type writerShard struct {
	mu    sync.Mutex
	items map[int]*Writer
}

func newWriterTable() *writerTable {
	wt := &writerTable{}
	for i := range wt.shards {
		wt.shards[i].items = make(map[int]*Writer)
	}
	return wt
}

func (wt *writerTable) shard(id int) *writerShard {
	return &wt.shards[uint(id)&writerShardMask]
}

// Add registers w under its thread id.
func (wt *writerTable) Add(w *Writer) {
	sh := wt.shard(w.threadID)
	sh.mu.Lock()
	sh.items[w.threadID] = w
	sh.mu.Unlock()
}

// Get returns the writer registered for id.
func (wt *writerTable) Get(id int) (*Writer, bool) {
	sh := wt.shard(id)
	sh.mu.Lock()
	w, ok := sh.items[id]
	sh.mu.Unlock()
	return w, ok
}

// Remove deletes the writer for id.
// It returns true if the id was present and removed.
func (wt *writerTable) Remove(id int) bool {
	sh := wt.shard(id)
	sh.mu.Lock()
	_, exists := sh.items[id]
	if exists {
		delete(sh.items, id)
	}
	sh.mu.Unlock()
	return exists
}

// Snapshot returns the registered writers. Shard locks are not held while the
// caller works on the result.
func (wt *writerTable) Snapshot() []*Writer {
	var out []*Writer
	for i := range wt.shards {
		sh := &wt.shards[i]
		sh.mu.Lock()
		for _, w := range sh.items {
			out = append(out, w)
		}
		sh.mu.Unlock()
	}
	return out
}

// Len returns the number of registered writers.
func (wt *writerTable) Len() int {
	total := 0
	for i := range wt.shards {
		sh := &wt.shards[i]
		sh.mu.Lock()
		total += len(sh.items)
		sh.mu.Unlock()
	}
	return total
}
