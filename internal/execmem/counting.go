package execmem

import "sync"

// Counting wraps a Mapper and tracks live blocks per purpose.
type Counting struct {
	Mapper

	mu        sync.Mutex
	live      map[Purpose]int
	allocated map[Purpose]int
}

func NewCounting(inner Mapper) *Counting {
	return &Counting{
		Mapper:    inner,
		live:      make(map[Purpose]int),
		allocated: make(map[Purpose]int),
	}
}

func (c *Counting) Allocate(purpose Purpose, bytes int, near *Block, perm Perm) (*Block, error) {
	b, err := c.Mapper.Allocate(purpose, bytes, near, perm)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.live[purpose]++
	c.allocated[purpose]++
	c.mu.Unlock()
	return b, nil
}

func (c *Counting) Release(b *Block) error {
	if b == nil {
		return nil
	}
	purpose := b.purpose
	if err := c.Mapper.Release(b); err != nil {
		return err
	}
	c.mu.Lock()
	c.live[purpose]--
	c.mu.Unlock()
	return nil
}

// Live returns the number of blocks of purpose not yet released.
func (c *Counting) Live(purpose Purpose) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live[purpose]
}

// Allocated returns the number of blocks of purpose ever handed out.
func (c *Counting) Allocated(purpose Purpose) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocated[purpose]
}
