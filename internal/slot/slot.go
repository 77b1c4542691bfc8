// internal/slot/slot.go
package slot

import (
	"errors"
	"sync"
)

// ErrFull is returned when every slot is taken.
var ErrFull = errors.New("slot table full")

// Table is the fixed-capacity map between connected peers and their small
// integer client index. The handshake layer is the only caller of
// Allocate/Free; nothing else mutates slot state. Every live index maps to
// exactly one address and vice versa, and a freed index is immediately
// eligible for reuse.
type Table struct {
	mu     sync.Mutex
	slots  []string // "" = free
	byAddr map[string]int
	count  int
}

func NewTable(maxClients int) *Table {
	if maxClients <= 0 {
		maxClients = 1
	}
	return &Table{
		slots:  make([]string, maxClients),
		byAddr: make(map[string]int, maxClients),
	}
}

func (t *Table) Capacity() int { return len(t.slots) }

func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Allocate assigns the lowest free index to addr. An address that already
// holds a slot gets its existing index back rather than a second one.
func (t *Table) Allocate(addr string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx, ok := t.byAddr[addr]; ok {
		return idx, nil
	}
	for idx, a := range t.slots {
		if a == "" {
			t.slots[idx] = addr
			t.byAddr[addr] = idx
			t.count++
			return idx, nil
		}
	}
	return -1, ErrFull
}

// Free releases an index. Freeing an out-of-range or already-free index is
// a no-op, so disconnect paths can call it unconditionally.
func (t *Table) Free(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.slots) {
		return
	}
	addr := t.slots[index]
	if addr == "" {
		return
	}
	t.slots[index] = ""
	delete(t.byAddr, addr)
	t.count--
}

func (t *Table) Lookup(addr string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.byAddr[addr]
	return idx, ok
}

func (t *Table) Addr(index int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.slots) || t.slots[index] == "" {
		return "", false
	}
	return t.slots[index], true
}
