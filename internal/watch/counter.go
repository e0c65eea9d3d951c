package watch

import (
	"encoding/json"
	"io"
	"maps"
	"sync"
)

// RegionCounter counts events per region id. Ids are compared in their
// canonical string form, so 7 and "7" are the same region.
type RegionCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewRegionCounter returns an empty counter.
func NewRegionCounter() *RegionCounter {
	return &RegionCounter{counts: map[string]int64{}}
}

// Snapshot returns a copy of the current counts.
func (c *RegionCounter) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.counts)
}

// Total returns the sum of all counts.
func (c *RegionCounter) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, v := range c.counts {
		n += v
	}
	return n
}

// applyAndPrint adds delta and writes the resulting snapshot to out under one
// lock, so no reader sees a partially applied file.
func (c *RegionCounter) applyAndPrint(delta map[string]int64, out io.Writer, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range delta {
		c.counts[k] += v
	}
	if out == nil {
		return nil
	}
	b, err := json.Marshal(c.counts)
	if err != nil {
		return err
	}
	_, err = io.WriteString(out, prefix+string(b)+"\n")
	return err
}
