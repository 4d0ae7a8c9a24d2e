package session

import (
	"fmt"
	"strconv"
)

// ssrcAllocator hands out GB28181 live SSRCs: "0", the 5-digit domain, then
// a 4-digit sequence. Callers hold the supervisor lock.
type ssrcAllocator struct {
	prefix string
	next   int
	inUse  map[string]struct{}
}

func newSSRCAllocator(domain string) *ssrcAllocator {
	if len(domain) != 5 {
		domain = fmt.Sprintf("%05s", domain)
		if len(domain) > 5 {
			domain = domain[len(domain)-5:]
		}
	}
	return &ssrcAllocator{prefix: "0" + domain, next: 1, inUse: make(map[string]struct{})}
}

func (a *ssrcAllocator) allocate() (string, error) {
	for i := 0; i < 9999; i++ {
		seq := a.next
		a.next++
		if a.next > 9999 {
			a.next = 1
		}
		candidate := fmt.Sprintf("%s%04d", a.prefix, seq)
		if _, used := a.inUse[candidate]; !used {
			a.inUse[candidate] = struct{}{}
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no free ssrc", ErrInvalidRequest)
}

func (a *ssrcAllocator) reserve(ssrc string) error {
	if _, err := strconv.ParseUint(ssrc, 10, 32); err != nil || len(ssrc) > 10 {
		return fmt.Errorf("%w: ssrc %q is not a 32-bit decimal", ErrInvalidRequest, ssrc)
	}
	if _, used := a.inUse[ssrc]; used {
		return fmt.Errorf("%w: ssrc %s already in use", ErrInvalidRequest, ssrc)
	}
	a.inUse[ssrc] = struct{}{}
	return nil
}

func (a *ssrcAllocator) release(ssrc string) {
	delete(a.inUse, ssrc)
}
