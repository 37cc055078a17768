package client

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tjrbrom/forge/internal/protocol"
	"github.com/tjrbrom/forge/internal/sim"
)

// Counter is a consumer for clients without a screen. It tallies what it is
// given and closes Finished when the match ends.
type Counter struct {
	log zerolog.Logger

	mu       sync.Mutex
	batches  int
	updates  int
	lastSeq  uint64
	outOfSeq int

	finishOnce sync.Once
	finished   chan struct{}
}

func NewCounter(logger zerolog.Logger) *Counter {
	return &Counter{log: logger, finished: make(chan struct{})}
}

func (c *Counter) Deliver(batch []protocol.Update) {
	c.mu.Lock()
	c.batches++
	c.updates += len(batch)
	for _, u := range batch {
		if u.Seq <= c.lastSeq {
			c.outOfSeq++
		}
		c.lastSeq = u.Seq
	}
	c.mu.Unlock()

	for _, u := range batch {
		switch u.Type {
		case sim.UpdateLog:
			if u.Log != nil {
				c.log.Debug().Str("type", string(u.Log.Type)).Msg(u.Log.Message)
			}
		case sim.UpdateFinish:
			c.log.Info().Int("winner", u.Slot).Int("turns", u.Turn).Msg("match finished")
			c.finishOnce.Do(func() { close(c.finished) })
		}
	}
}

func (c *Counter) Batches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches
}

func (c *Counter) Updates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

// OutOfOrder counts updates whose sequence number did not increase.
func (c *Counter) OutOfOrder() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outOfSeq
}

func (c *Counter) Finished() <-chan struct{} { return c.finished }
