package task

import (
	"fmt"
	"sync/atomic"

	"github.com/GoCodeAlone/companion/internal/clock"
)

// IDGenerator produces task ids of the form task-<unix millis>-<counter>.
// The counter makes ids unique for the process lifetime.
type IDGenerator struct {
	clock   clock.Clock
	counter atomic.Uint64
}

// NewIDGenerator returns a generator reading time from clk.
func NewIDGenerator(clk clock.Clock) *IDGenerator {
	return &IDGenerator{clock: clk}
}

// Next returns a fresh id.
func (g *IDGenerator) Next() string {
	n := g.counter.Add(1)
	return fmt.Sprintf("task-%d-%d", g.clock.Now().UnixMilli(), n)
}
