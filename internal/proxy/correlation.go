package proxy

import "sync"

// CorrelationTable maps a connectReplyId to the Pair awaiting that
// downstream stream's BEGIN. An entry is present iff the downstream BEGIN
// hasn't arrived yet.
type CorrelationTable struct {
	mu   sync.Mutex
	byID map[uint64]*Pair
}

// NewCorrelationTable returns an empty CorrelationTable.
func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{byID: make(map[uint64]*Pair)}
}

// Put registers a pending reply correlation.
func (c *CorrelationTable) Put(connectReplyID uint64, p *Pair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[connectReplyID] = p
}

// Pop removes and returns the pair correlated to connectReplyID, if any.
func (c *CorrelationTable) Pop(connectReplyID uint64) (*Pair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.byID[connectReplyID]
	if ok {
		delete(c.byID, connectReplyID)
	}
	return p, ok
}

// Has reports whether connectReplyID is still pending.
func (c *CorrelationTable) Has(connectReplyID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byID[connectReplyID]
	return ok
}
