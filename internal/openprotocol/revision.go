package openprotocol

import (
	"errors"
	"fmt"
	"sync"
)

// -------------------------------------------------------------------------
// Revision Registry: per-MID maximum supported revision
// -------------------------------------------------------------------------

// MIDs with revision-tiered payloads.
const (
	MIDStart            = 1
	MIDStartAck         = 2
	MIDStop             = 3
	MIDError            = 4
	MIDAck              = 5
	MIDPsetSubscribe    = 14
	MIDPsetSelected     = 15
	MIDPsetSelectedAck  = 16
	MIDPsetUnsubscribe  = 17
	MIDPsetSelect       = 18
	MIDToolDataRequest  = 40
	MIDToolData         = 41
	MIDToolDisable      = 42
	MIDToolEnable       = 43
	MIDVINDownload      = 50
	MIDVINSubscribe     = 51
	MIDVIN              = 52
	MIDVINAck           = 53
	MIDVINUnsubscribe   = 54
	MIDResultSubscribe  = 60
	MIDResult           = 61
	MIDResultAck        = 62
	MIDResultUnsub      = 63
	MIDTimeSet          = 82
	MIDMultiSubscribe   = 100
	MIDMultiResult      = 101
	MIDMultiResultAck   = 102
	MIDMultiUnsubscribe = 103
	MIDIOStatusRequest  = 214
	MIDIOStatus         = 215
	MIDRelaySubscribe   = 216
	MIDRelayStatus      = 217
	MIDRelayStatusAck   = 218
	MIDRelayUnsubscribe = 219
	MIDKeepAlive        = 9999
)

// Default maximum revisions shipped by the simulator. Any MID not listed
// has an implicit maximum of 1.
var defaultMaxRevisions = map[int]int{
	MIDStartAck:     6,
	MIDError:        3,
	MIDPsetSelected: 2,
	MIDToolData:     5,
	MIDVIN:          2,
	MIDResult:       7,
	MIDMultiResult:  5,
	MIDIOStatus:     2,
}

// ErrInvalidRevision indicates a registry update with a revision below 1.
var ErrInvalidRevision = errors.New("revision must be >= 1")

// Registry maps MIDs to the maximum payload revision the controller emits.
//
// Subscribe handlers negotiate against the registry at subscription time;
// the negotiated value is then pinned for every future emission of the
// corresponding push MID. Profiles overwrite listed entries wholesale.
type Registry struct {
	mu     sync.RWMutex
	maxRev map[int]int
}

// NewRegistry creates a Registry with the built-in defaults.
func NewRegistry() *Registry {
	r := &Registry{maxRev: make(map[int]int, len(defaultMaxRevisions))}
	for mid, rev := range defaultMaxRevisions {
		r.maxRev[mid] = rev
	}
	return r
}

// MaxRev returns the maximum supported revision for mid. MIDs without an
// explicit entry default to 1.
func (r *Registry) MaxRev(mid int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rev, ok := r.maxRev[mid]; ok {
		return rev
	}
	return 1
}

// Negotiate returns the revision to use for mid given a client request:
// min(requested, MaxRev(mid)). Requests below 1 count as revision 1.
func (r *Registry) Negotiate(mid, requested int) int {
	if requested < 1 {
		requested = 1
	}
	if maxRev := r.MaxRev(mid); requested > maxRev {
		return maxRev
	}
	return requested
}

// SetMaxRev updates the maximum revision for a single MID.
func (r *Registry) SetMaxRev(mid, rev int) error {
	if rev < 1 {
		return fmt.Errorf("set max rev for MID %04d: %d: %w", mid, rev, ErrInvalidRevision)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxRev[mid] = rev
	return nil
}

// Apply overwrites the entries listed in revisions. MIDs not listed keep
// their current value. Entries below 1 are rejected before any mutation.
func (r *Registry) Apply(revisions map[int]int) error {
	for mid, rev := range revisions {
		if rev < 1 {
			return fmt.Errorf("apply revisions: MID %04d rev %d: %w", mid, rev, ErrInvalidRevision)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for mid, rev := range revisions {
		r.maxRev[mid] = rev
	}
	return nil
}

// Snapshot returns a copy of the current MID -> max revision mapping.
func (r *Registry) Snapshot() map[int]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]int, len(r.maxRev))
	for mid, rev := range r.maxRev {
		out[mid] = rev
	}
	return out
}
