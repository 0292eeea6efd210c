package sshshare

import (
	"fmt"
	"sync/atomic"
)

// ConnStats keep track of both currently open and total connection counts for an entity
type ConnStats struct {
	count atomic.Int32
	open  atomic.Int32
}

// New adds one to the total connection count and returns the new total
func (c *ConnStats) New() int32 {
	return c.count.Add(1)
}

// Open adds one to the current open connection count
func (c *ConnStats) Open() {
	c.open.Add(1)
}

// Close subtracts one from the current open connection count
func (c *ConnStats) Close() {
	c.open.Add(-1)
}

// Opened returns the number of connections currently open
func (c *ConnStats) Opened() int32 {
	return c.open.Load()
}

// Total returns the number of connections ever counted by New
func (c *ConnStats) Total() int32 {
	return c.count.Load()
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", c.open.Load(), c.count.Load())
}
