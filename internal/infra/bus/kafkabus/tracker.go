package kafkabus

import (
	"sync"

	"github.com/segmentio/kafka-go"
)

type partitionKey struct {
	topic     string
	partition int
}

type partitionState struct {
	inflight []int64
	done     map[int64]kafka.Message
}

// commitTracker turns out-of-order acknowledgements into in-order commits.
// Kafka offsets commit a prefix of the partition, so only the highest offset
// whose predecessors are all acknowledged may be committed.
type commitTracker struct {
	mu         sync.Mutex
	partitions map[partitionKey]*partitionState
}

func newCommitTracker() *commitTracker {
	return &commitTracker{partitions: make(map[partitionKey]*partitionState)}
}

func (t *commitTracker) fetched(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := partitionKey{msg.Topic, msg.Partition}
	st, ok := t.partitions[key]
	if !ok {
		st = &partitionState{done: make(map[int64]kafka.Message)}
		t.partitions[key] = st
	}
	st.inflight = append(st.inflight, msg.Offset)
}

// acked records msg and returns the message to commit, if the contiguous
// acknowledged prefix advanced.
func (t *commitTracker) acked(msg kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.partitions[partitionKey{msg.Topic, msg.Partition}]
	if !ok {
		return kafka.Message{}, false
	}
	st.done[msg.Offset] = msg

	var (
		commit  kafka.Message
		advance bool
	)
	for len(st.inflight) > 0 {
		head := st.inflight[0]
		m, ok := st.done[head]
		if !ok {
			break
		}
		delete(st.done, head)
		st.inflight = st.inflight[1:]
		commit, advance = m, true
	}
	return commit, advance
}
