package vitalsguard

import (
	"context"
	"sync"
	"time"
)

const defaultReplayShards = 64

type replayKey struct {
	patient string
	ts      int64
}

type replaySlot struct {
	key     replayKey
	expires int64
	live    bool
}

// replayShard stores entries in a slot arena. The index maps a key to its
// slot; swept slots go on the free list and are reused before the arena
// grows.
type replayShard struct {
	mu    sync.Mutex
	index map[replayKey]int32
	slots []replaySlot
	free  []int32
}

// MemoryReplayStore is an in-process ReplayStore partitioned by patient.
type MemoryReplayStore struct {
	shards []*replayShard
	mask   uint32
	now    func() time.Time
}

var (
	_ ReplayStore = (*MemoryReplayStore)(nil)
	_ Sweeper     = (*MemoryReplayStore)(nil)
)

// NewMemoryReplayStore creates a store with shards rounded up to a power of
// two.
func NewMemoryReplayStore(shards int, now func() time.Time) *MemoryReplayStore {
	n := roundPow2(shards, defaultReplayShards)
	if now == nil {
		now = time.Now
	}
	s := &MemoryReplayStore{
		shards: make([]*replayShard, n),
		mask:   uint32(n - 1),
		now:    now,
	}
	for i := range s.shards {
		s.shards[i] = &replayShard{index: make(map[replayKey]int32)}
	}
	return s
}

func (s *MemoryReplayStore) shard(patientID string) *replayShard {
	return s.shards[fnv32(patientID)&s.mask]
}

func (s *MemoryReplayStore) Reserve(_ context.Context, patientID string, ts, expires time.Time) (bool, error) {
	key := replayKey{patient: patientID, ts: ts.UnixNano()}
	now := s.now().UnixNano()
	sh := s.shard(patientID)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if idx, ok := sh.index[key]; ok {
		slot := &sh.slots[idx]
		if slot.expires > now {
			return false, nil
		}
		// expired but not yet swept
		slot.expires = expires.UnixNano()
		return true, nil
	}
	var idx int32
	if n := len(sh.free); n > 0 {
		idx = sh.free[n-1]
		sh.free = sh.free[:n-1]
	} else {
		sh.slots = append(sh.slots, replaySlot{})
		idx = int32(len(sh.slots) - 1)
	}
	sh.slots[idx] = replaySlot{key: key, expires: expires.UnixNano(), live: true}
	sh.index[key] = idx
	return true, nil
}

func (s *MemoryReplayStore) Release(_ context.Context, patientID string, ts time.Time) error {
	key := replayKey{patient: patientID, ts: ts.UnixNano()}
	sh := s.shard(patientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if idx, ok := sh.index[key]; ok {
		sh.evict(idx)
	}
	return nil
}

func (sh *replayShard) evict(idx int32) {
	slot := &sh.slots[idx]
	delete(sh.index, slot.key)
	*slot = replaySlot{}
	sh.free = append(sh.free, idx)
}

// Sweep evicts every entry whose retention horizon has passed and returns
// how many were removed.
func (s *MemoryReplayStore) Sweep(now time.Time) int {
	cutoff := now.UnixNano()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for i := range sh.slots {
			if sh.slots[i].live && sh.slots[i].expires <= cutoff {
				sh.evict(int32(i))
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *MemoryReplayStore) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.index)
		sh.mu.Unlock()
	}
	return total
}

func (s *MemoryReplayStore) HealthCheck(context.Context) error {
	return nil
}
