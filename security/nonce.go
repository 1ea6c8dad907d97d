package security

import (
	"sync"
	"time"
)

// nonceCache stores seen (agent, nonce) pairs with a TTL to detect replays.
// A sync.Map of per-key inner maps, GC'd on a ticker.
type nonceCache struct {
	ttl  time.Duration
	data sync.Map // agent -> *sync.Map (nonce -> expiryUnix)
	tick *time.Ticker
	stop chan struct{}
}

func newNonceCache(ttl time.Duration) *nonceCache {
	nc := &nonceCache{
		ttl:  ttl,
		stop: make(chan struct{}),
		tick: time.NewTicker(time.Minute),
	}
	go nc.gcLoop()
	return nc
}

// seen returns true if (agent, nonce) was observed within the retention
// window; otherwise it records it and returns false.
func (n *nonceCache) seen(agent, nonce string) bool {
	if agent == "" || nonce == "" {
		return false
	}
	exp := time.Now().Add(n.ttl).Unix()

	v, _ := n.data.LoadOrStore(agent, &sync.Map{})
	m := v.(*sync.Map)

	if old, ok := m.Load(nonce); ok {
		if prevExp, _ := old.(int64); prevExp >= time.Now().Unix() {
			return true
		}
	}
	m.Store(nonce, exp)
	return false
}

func (n *nonceCache) close() {
	close(n.stop)
	if n.tick != nil {
		n.tick.Stop()
	}
}

func (n *nonceCache) gcLoop() {
	for {
		select {
		case <-n.tick.C:
			now := time.Now().Unix()
			n.data.Range(func(k, v any) bool {
				m := v.(*sync.Map)
				empty := true
				m.Range(func(nk, nv any) bool {
					if exp, _ := nv.(int64); exp < now {
						m.Delete(nk)
					} else {
						empty = false
					}
					return true
				})
				if empty {
					n.data.Delete(k)
				}
				return true
			})
		case <-n.stop:
			return
		}
	}
}
