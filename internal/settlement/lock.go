package settlement

import (
	"context"
	"hash/fnv"
)

const lockShards = 64

// paymentLocks serializes work per payment id over a fixed pool of
// channel-based mutexes, so waiting callers can give up when their
// context ends.
type paymentLocks struct {
	shards [lockShards]chan struct{}
}

func newPaymentLocks() *paymentLocks {
	l := &paymentLocks{}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

// lock acquires the shard for id. The returned func releases it.
func (l *paymentLocks) lock(ctx context.Context, id string) (func(), error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	shard := l.shards[h.Sum32()%lockShards]

	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
