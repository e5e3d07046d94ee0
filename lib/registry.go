package lib

import "sync"

// registry is the process-wide transport list spec.md §9 calls for, used
// by admin/monitoring surfaces to enumerate every live transport. Modeled
// as a map keyed by TSI guarded by a reader/writer lock;
// transports self-register on Bind and deregister on Close, generalizing
// the teacher's implicit single-PcpCore-per-process assumption into a
// multi-transport registry.
var globalRegistry = struct {
	mu         sync.RWMutex
	transports map[TSI]*Transport
}{transports: make(map[TSI]*Transport)}

func registerTransport(t *Transport) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.transports[t.tsi] = t
}

func deregisterTransport(t *Transport) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	delete(globalRegistry.transports, t.tsi)
}

// ListTransports returns every currently bound transport's TSI, for
// monitoring surfaces that enumerate process-wide PGM activity.
func ListTransports() []TSI {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	out := make([]TSI, 0, len(globalRegistry.transports))
	for tsi := range globalRegistry.transports {
		out = append(out, tsi)
	}
	return out
}

// LookupTransport finds a registered transport by TSI, for components
// that need to reach a live transport without threading a reference
// through every call site.
func LookupTransport(tsi TSI) (*Transport, bool) {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	t, ok := globalRegistry.transports[tsi]
	return t, ok
}
