package routing

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Gate closes a queue to new admissions after a store failure. A closed
// queue reopens on its own after the cooldown, or when Reopen is called.
// Calls already queued or assigned are not affected.
type Gate struct {
	closed *cache.Cache
}

func NewGate(cooldown time.Duration) *Gate {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Gate{closed: cache.New(cooldown, cooldown)}
}

func (g *Gate) Trip(queueID string) {
	g.closed.SetDefault(queueID, time.Now().UTC())
}

func (g *Gate) Closed(queueID string) bool {
	_, ok := g.closed.Get(queueID)
	return ok
}

func (g *Gate) Reopen(queueID string) {
	g.closed.Delete(queueID)
}

// ClosedQueues lists queues currently refusing admissions.
func (g *Gate) ClosedQueues() []string {
	items := g.closed.Items()
	out := make([]string, 0, len(items))
	for id := range items {
		out = append(out, id)
	}
	return out
}
