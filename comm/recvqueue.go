package comm

import (
	"context"
	"sync"

	"github.com/thomasedgemon/gomp/wire"
)

// fifoCapacity bounds each per-peer receive FIFO (§4.3: "implementation-
// defined but ≥ 64 payloads"). Exceeding it applies backpressure all the way
// back to the link's outbound queue at the source, per spec.
const fifoCapacity = 64

// recvQueues holds one bounded FIFO of pending DATA payloads per peer rank,
// created lazily the first time a rank is mentioned (as the sender of an
// arriving payload or the source of a Recv call).
type recvQueues struct {
	mu    sync.Mutex
	byPeer map[int32]chan wire.Payload
}

func newRecvQueues() *recvQueues {
	return &recvQueues{byPeer: make(map[int32]chan wire.Payload)}
}

func (q *recvQueues) queueFor(peer int32) chan wire.Payload {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.byPeer[peer]
	if !ok {
		ch = make(chan wire.Payload, fifoCapacity)
		q.byPeer[peer] = ch
	}
	return ch
}

// push enqueues p for peer, returning false if aborted (ctx done) before the
// queue accepted it.
func (q *recvQueues) push(ctx context.Context, peer int32, p wire.Payload) bool {
	select {
	case q.queueFor(peer) <- p:
		return true
	case <-ctx.Done():
		return false
	}
}
