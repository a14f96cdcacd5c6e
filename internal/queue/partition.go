package queue

import (
	"fmt"
	"hash/fnv"
)

// MaxLaneSuffix names the high-priority stream. MAX (safety) traffic gets
// its own lane so it is never queued behind normal-priority work.
const MaxLaneSuffix = "max"

// Partitions maps a conversation to a stable stream so that one conversation
// is always consumed by the same partition, preserving per-conversation
// ordering without global locks.
type Partitions struct {
	Base  string
	Count int
}

func NewPartitions(base string, count int) Partitions {
	if count <= 0 {
		count = 1
	}
	return Partitions{Base: base, Count: count}
}

// For returns the stream name owning the given conversation.
func (p Partitions) For(conversationID string) string {
	return p.Name(p.Index(conversationID))
}

// Index returns the partition number for a conversation.
func (p Partitions) Index(conversationID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return int(h.Sum32() % uint32(p.Count))
}

// Name returns the stream name of partition i.
func (p Partitions) Name(i int) string {
	return fmt.Sprintf("%s:%d", p.Base, i)
}

// MaxLane returns the dedicated high-priority stream name.
func (p Partitions) MaxLane() string {
	return p.Base + ":" + MaxLaneSuffix
}

// All returns every partition stream name, max lane excluded.
func (p Partitions) All() []string {
	names := make([]string, p.Count)
	for i := 0; i < p.Count; i++ {
		names[i] = p.Name(i)
	}
	return names
}
