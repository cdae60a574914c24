package segment

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/setanarut/stylebuilder/tensor"
	"github.com/setanarut/stylebuilder/utils"
)

// Job identifies one segmentation request.
type Job struct {
	Masks    int
	Colors   int
	Textures int
	Source   string
}

func (j Job) String() string {
	return fmt.Sprintf("%d/%d/%d/%s", j.Masks, j.Colors, j.Textures, j.Source)
}

// Cache hands out the masks of a job, computing them at most once per key.
// Masks are returned resampled to w×h and renormalized to sum to one.
type Cache interface {
	Get(ctx context.Context, job Job, w, h int, compute func(context.Context) ([]*tensor.Tensor, error)) ([]*tensor.Tensor, error)
}

// MemoryCache keeps masks for the lifetime of a run.
type MemoryCache struct {
	group   singleflight.Group
	mu      sync.Mutex
	entries map[Job][]*tensor.Tensor
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[Job][]*tensor.Tensor)}
}

func (c *MemoryCache) lookup(job Job) ([]*tensor.Tensor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[job]
	return m, ok
}

func (c *MemoryCache) Get(ctx context.Context, job Job, w, h int, compute func(context.Context) ([]*tensor.Tensor, error)) ([]*tensor.Tensor, error) {
	masks, ok := c.lookup(job)
	if !ok {
		v, err, _ := c.group.Do(job.String(), func() (any, error) {
			if m, ok := c.lookup(job); ok {
				return m, nil
			}
			m, err := compute(ctx)
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			if c.entries == nil {
				c.entries = make(map[Job][]*tensor.Tensor)
			}
			c.entries[job] = m
			c.mu.Unlock()
			return m, nil
		})
		if err != nil {
			return nil, err
		}
		masks = v.([]*tensor.Tensor)
	}
	return Resample(masks, w, h), nil
}

// Len is the number of cached jobs.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Enter empties the cache and returns a function restoring the entries
// held before, discarding anything cached in between.
func (c *MemoryCache) Enter() func() {
	c.mu.Lock()
	saved := maps.Clone(c.entries)
	if saved == nil {
		saved = make(map[Job][]*tensor.Tensor)
	}
	clear(c.entries)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.entries = saved
		c.mu.Unlock()
	}
}

// Resample copies masks to w×h and renormalizes them across masks so they
// sum to one at every pixel.
func Resample(masks []*tensor.Tensor, w, h int) []*tensor.Tensor {
	if len(masks) == 0 {
		return nil
	}
	resized := make([]*tensor.Tensor, len(masks))
	for i, m := range masks {
		resized[i] = utils.Resize(m, w, h)
	}
	stacked, err := tensor.Concat(resized...)
	if err != nil {
		return resized
	}
	normalize(stacked)
	for i := range resized {
		resized[i] = stacked.Band(i)
	}
	return resized
}
