package gpubsub

import (
	"encoding/binary"

	"github.com/coocood/freecache"
)

// deliveryLog remembers, per message id, how often a message was handed to
// a client and whether it must be flagged as redelivered. Pub/Sub only
// counts attempts on subscriptions with a dead-letter policy.
type deliveryLog struct {
	cache *freecache.Cache
	ttl   int
}

const (
	minCacheSize = 512 * 1024
	recordSize   = 5
)

func newDeliveryLog(size int, ttlSeconds int) *deliveryLog {
	if size < minCacheSize {
		size = minCacheSize
	}
	return &deliveryLog{cache: freecache.NewCache(size), ttl: ttlSeconds}
}

func (l *deliveryLog) load(id string) (count uint32, redelivered bool) {
	v, err := l.cache.Get([]byte(id))
	if err != nil || len(v) != recordSize {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), v[4] == 1
}

func (l *deliveryLog) store(id string, count uint32, redelivered bool) {
	var v [recordSize]byte
	binary.BigEndian.PutUint32(v[:], count)
	if redelivered {
		v[4] = 1
	}
	// a full cache evicts old records, which only costs the redelivered flag
	_ = l.cache.Set([]byte(id), v[:], l.ttl)
}

// record counts a delivery of id and reports the count and flag.
func (l *deliveryLog) record(id string) (int, bool) {
	count, redelivered := l.load(id)
	count++
	l.store(id, count, redelivered)
	return int(count), redelivered
}

func (l *deliveryLog) markRedelivered(id string) {
	count, _ := l.load(id)
	l.store(id, count, true)
}

// undo takes back a delivery the client never saw.
func (l *deliveryLog) undo(id string) {
	count, redelivered := l.load(id)
	if count > 0 {
		count--
	}
	l.store(id, count, redelivered)
}

func (l *deliveryLog) forget(id string) {
	l.cache.Del([]byte(id))
}
