package media

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrPortsExhausted = errors.New("media port pool exhausted")

// PortPool leases even RTP ports from a fixed range; the odd neighbour is
// left for RTCP.
type PortPool struct {
	mu      sync.Mutex
	start   int
	end     int
	cursor  int
	byOwner map[string]int
	byPort  map[int]string
	// keyOf and recent let a restarted pipeline get its previous port back.
	keyOf  map[string]string
	recent map[string]int
}

func NewPortPool(start int, end int) *PortPool {
	if start <= 0 {
		start = 31000
	}
	if start%2 != 0 {
		start++
	}
	if end < start {
		end = start + 200
	}
	return &PortPool{
		start:   start,
		end:     end,
		cursor:  start,
		byOwner: make(map[string]int),
		byPort:  make(map[int]string),
		keyOf:   make(map[string]string),
		recent:  make(map[string]int),
	}
}

// Allocate returns the owner's existing lease or the next free port.
func (p *PortPool) Allocate(owner string) (int, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return 0, errors.New("port owner is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if port, ok := p.byOwner[owner]; ok {
		return port, nil
	}
	candidates := (p.end-p.start)/2 + 1
	for i := 0; i < candidates; i++ {
		port := p.cursor
		p.cursor += 2
		if p.cursor > p.end {
			p.cursor = p.start
		}
		if _, used := p.byPort[port]; used {
			continue
		}
		p.byOwner[owner] = port
		p.byPort[port] = owner
		return port, nil
	}
	return 0, fmt.Errorf("%w (%d-%d)", ErrPortsExhausted, p.start, p.end)
}

// AllocateSticky is Allocate, but prefers the port last released under key
// while it is still free.
func (p *PortPool) AllocateSticky(owner string, key string) (int, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" || key == "" {
		return p.Allocate(owner)
	}
	p.mu.Lock()
	if port, ok := p.byOwner[owner]; ok {
		p.mu.Unlock()
		return port, nil
	}
	if port, ok := p.recent[key]; ok {
		if _, used := p.byPort[port]; !used {
			delete(p.recent, key)
			p.byOwner[owner] = port
			p.byPort[port] = owner
			p.keyOf[owner] = key
			p.mu.Unlock()
			return port, nil
		}
	}
	p.mu.Unlock()

	port, err := p.Allocate(owner)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.keyOf[owner] = key
	p.mu.Unlock()
	return port, nil
}

// Skip marks a port unusable for owner's lease, for example when binding it failed.
func (p *PortPool) Skip(owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port, ok := p.byOwner[owner]; ok {
		delete(p.byOwner, owner)
		delete(p.keyOf, owner)
		p.byPort[port] = "(unavailable)"
	}
}

func (p *PortPool) Release(owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port, ok := p.byOwner[owner]; ok {
		delete(p.byOwner, owner)
		delete(p.byPort, port)
		if key, ok := p.keyOf[owner]; ok {
			delete(p.keyOf, owner)
			p.recent[key] = port
		}
	}
}

// Leases returns the ports currently held by owners, ascending.
func (p *PortPool) Leases() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	leases := make([]int, 0, len(p.byOwner))
	for _, port := range p.byOwner {
		leases = append(leases, port)
	}
	sort.Ints(leases)
	return leases
}
