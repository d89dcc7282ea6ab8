package table

import (
	"math/rand"
	"sync"

	"github.com/joydit/MaidSafe-Routing/nodeid"
)

const randomNodeHelperSize = 10

// RandomNodeHelper keeps a small ring of arbitrary known identifiers, used to
// keep routing decisions from being purely local and to resist targeted
// partitioning.
type RandomNodeHelper struct {
	mu  sync.Mutex
	ids []nodeid.ID
}

func NewRandomNodeHelper() *RandomNodeHelper {
	return &RandomNodeHelper{}
}

// Add records id, displacing the oldest entry once the ring is full.
func (h *RandomNodeHelper) Add(id nodeid.ID) {
	if id.IsZero() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, existing := range h.ids {
		if existing == id {
			return
		}
	}
	if len(h.ids) >= randomNodeHelperSize {
		h.ids = h.ids[1:]
	}
	h.ids = append(h.ids, id)
}

// Remove drops id if present.
func (h *RandomNodeHelper) Remove(id nodeid.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, existing := range h.ids {
		if existing == id {
			h.ids = append(h.ids[:i], h.ids[i+1:]...)
			return
		}
	}
}

// Pick returns a uniformly chosen identifier, if any are held.
func (h *RandomNodeHelper) Pick() (nodeid.ID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ids) == 0 {
		return nodeid.ID{}, false
	}
	return h.ids[rand.Intn(len(h.ids))], true
}

func (h *RandomNodeHelper) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ids)
}
