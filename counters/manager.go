// Package counters provides the 64-bit position and event counters used by
// the driver.  A counter is a cache-line padded cell referenced by id; reads
// acquire, writes release, so a position published by one goroutine is
// coherent in another.  The arena is ordinary heap memory of the driver
// process; it is not backed by a mapped file, so other processes cannot
// read or write the cells.
package counters

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const cellsPerCounter = 8 // one cache line per counter

// NullCounterID marks an unallocated counter reference.
const NullCounterID int32 = -1

type CountersExhaustedError struct{}

func (CountersExhaustedError) Error() string {
	return "no free counter cells"
}

// Manager allocates counters out of a fixed arena.  Allocation and freeing
// happen on the conductor; the cells themselves are read and written
// lock-free from any goroutine of the driver process.
type Manager struct {
	mu     sync.Mutex
	values []int64
	labels []string
	inUse  []bool
}

// NewManager creates a manager with capacity counters.
func NewManager(capacity int) *Manager {
	return &Manager{
		values: make([]int64, capacity*cellsPerCounter),
		labels: make([]string, capacity),
		inUse:  make([]bool, capacity),
	}
}

// Allocate reserves a counter and returns its id.
func (m *Manager) Allocate(label string) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.inUse {
		if !m.inUse[i] {
			m.inUse[i] = true
			m.labels[i] = label
			atomic.StoreInt64(&m.values[i*cellsPerCounter], 0)
			return int32(i), nil
		}
	}
	return NullCounterID, CountersExhaustedError{}
}

// Free releases a counter id back to the arena.
func (m *Manager) Free(id int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inUse[id] = false
	m.labels[id] = ""
}

// Label returns the label a counter was allocated with.
func (m *Manager) Label(id int32) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.labels[id]
}

// Counter returns the live cell for an id.
func (m *Manager) Counter(id int32) *Counter {
	if id < 0 || int(id) >= len(m.inUse) {
		panic(fmt.Sprintf("counter id %d out of range", id))
	}
	return &Counter{id: id, addr: &m.values[int(id)*cellsPerCounter]}
}

// Counter is a reference to one 64-bit cell.
type Counter struct {
	id   int32
	addr *int64
}

// ID returns the counter id.
func (c *Counter) ID() int32 {
	return c.id
}

// Get reads the counter with acquire ordering.
func (c *Counter) Get() int64 {
	return atomic.LoadInt64(c.addr)
}

// Set writes the counter with release ordering.
func (c *Counter) Set(value int64) {
	atomic.StoreInt64(c.addr, value)
}

// GetAndAdd adds increment to the counter and returns the previous value.
func (c *Counter) GetAndAdd(increment int64) int64 {
	return atomic.AddInt64(c.addr, increment) - increment
}

// Increment adds one to the counter.
func (c *Counter) Increment() int64 {
	return atomic.AddInt64(c.addr, 1)
}
