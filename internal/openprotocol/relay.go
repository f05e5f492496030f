package openprotocol

import (
	"fmt"
	"sync"
)

// -------------------------------------------------------------------------
// Relay Subsystem: I/O devices, relay functions, and their subscriptions
// -------------------------------------------------------------------------

// DefaultIODevice is the 2-digit id of the built-in I/O device.
const DefaultIODevice = 1

// Built-in relay function ids. Profiles may map additional functions.
const (
	FunctionTrigger = 1
	FunctionForward = 2
	FunctionReverse = 3
	FunctionOK      = 4
	FunctionNOK     = 5
)

// DefaultRelayMappings names the built-in relay functions.
func DefaultRelayMappings() map[string]int {
	return map[string]int{
		"trigger": FunctionTrigger,
		"forward": FunctionForward,
		"reverse": FunctionReverse,
		"ok":      FunctionOK,
		"nok":     FunctionNOK,
	}
}

// IOSlot is one relay or digital input: a function id and a binary status.
type IOSlot struct {
	Function int `json:"function"`
	Status   int `json:"status"`
}

// DeviceSnapshot is a point-in-time copy of one I/O device.
type DeviceSnapshot struct {
	ID     int
	Relays []IOSlot
	Inputs []IOSlot
}

// RelayChange describes one relay function mutation and whether it must be
// pushed to the client. The mutating caller performs the push after
// releasing the bank lock.
type RelayChange struct {
	Function   int
	Status     int
	Subscribed bool
	NoAck      bool
}

// ioDevice is the mutable device record. Slots are ordered; the relay
// array always holds every mapped function.
type ioDevice struct {
	relays []IOSlot
	inputs []IOSlot
}

// RelayBank holds every I/O device and the relay-function subscription
// set. It has its own lock, independent of the controller state mutex;
// callers never send on the socket while holding it.
type RelayBank struct {
	mu      sync.Mutex
	devices map[int]*ioDevice
	subs    map[int]bool // function id -> no-ack flag
}

// NewRelayBank creates the bank with the built-in device: eight relay
// slots (the default mapped functions first, the rest empty) and eight
// empty digital inputs.
func NewRelayBank() *RelayBank {
	dev := &ioDevice{
		relays: make([]IOSlot, ioStatusFixedSlots),
		inputs: make([]IOSlot, ioStatusFixedSlots),
	}
	for i, fn := range []int{FunctionTrigger, FunctionForward, FunctionReverse, FunctionOK, FunctionNOK} {
		dev.relays[i] = IOSlot{Function: fn}
	}
	return &RelayBank{
		devices: map[int]*ioDevice{DefaultIODevice: dev},
		subs:    make(map[int]bool),
	}
}

// Snapshot returns a copy of the device with the given id.
func (rb *RelayBank) Snapshot(deviceID int) (DeviceSnapshot, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	dev, ok := rb.devices[deviceID]
	if !ok {
		return DeviceSnapshot{}, false
	}
	snap := DeviceSnapshot{
		ID:     deviceID,
		Relays: make([]IOSlot, len(dev.relays)),
		Inputs: make([]IOSlot, len(dev.inputs)),
	}
	copy(snap.Relays, dev.relays)
	copy(snap.Inputs, dev.inputs)
	return snap, true
}

// FunctionStatus returns the current status of a relay function, searching
// relays first and digital inputs second across all devices.
func (rb *RelayBank) FunctionStatus(function int) (int, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if slot, ok := rb.findLocked(function); ok {
		return slot.Status, true
	}
	return 0, false
}

func (rb *RelayBank) findLocked(function int) (*IOSlot, bool) {
	for _, dev := range rb.devices {
		for i := range dev.relays {
			if dev.relays[i].Function == function {
				return &dev.relays[i], true
			}
		}
		for i := range dev.inputs {
			if dev.inputs[i].Function == function {
				return &dev.inputs[i], true
			}
		}
	}
	return nil, false
}

// Subscribe records client interest in a relay function and returns its
// current status for the immediate push. Returns ErrAlreadySubscribed on
// a duplicate. Unmapped functions subscribe with status 0; a later
// profile application may map them.
func (rb *RelayBank) Subscribe(function int, noAck bool) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if _, ok := rb.subs[function]; ok {
		return 0, fmt.Errorf("relay function %03d: %w", function, ErrAlreadySubscribed)
	}
	rb.subs[function] = noAck
	status := 0
	if slot, ok := rb.findLocked(function); ok {
		status = slot.Status
	}
	return status, nil
}

// Unsubscribe removes a relay function subscription. Returns
// ErrNotSubscribed when the function is not subscribed.
func (rb *RelayBank) Unsubscribe(function int) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if _, ok := rb.subs[function]; !ok {
		return fmt.Errorf("relay function %03d: %w", function, ErrNotSubscribed)
	}
	delete(rb.subs, function)
	return nil
}

// SubscriptionNoAck returns the no-ack flag of an active subscription.
func (rb *RelayBank) SubscriptionNoAck(function int) (bool, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	noAck, ok := rb.subs[function]
	return noAck, ok
}

// ResetSubscriptions clears the relay subscription set. Called on session
// end; slot states persist across sessions.
func (rb *RelayBank) ResetSubscriptions() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	clear(rb.subs)
}

// Toggle flips a relay function's status and reports the change. The
// returned RelayChange tells the caller whether a MID 0217 push is due.
// Unmapped functions are ignored.
func (rb *RelayBank) Toggle(function int) (RelayChange, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	slot, ok := rb.findLocked(function)
	if !ok {
		return RelayChange{}, false
	}
	slot.Status = 1 - slot.Status
	return rb.changeLocked(function, slot.Status), true
}

// SetStatus sets a relay function's status outright, reporting the change
// only when the status actually moved.
func (rb *RelayBank) SetStatus(function, status int) (RelayChange, bool) {
	if status != 0 {
		status = 1
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	slot, ok := rb.findLocked(function)
	if !ok || slot.Status == status {
		return RelayChange{}, false
	}
	slot.Status = status
	return rb.changeLocked(function, status), true
}

func (rb *RelayBank) changeLocked(function, status int) RelayChange {
	noAck, subscribed := rb.subs[function]
	return RelayChange{
		Function:   function,
		Status:     status,
		Subscribed: subscribed,
		NoAck:      noAck,
	}
}

// EnsureFunctions guarantees that every mapped function has a relay slot
// on the built-in device, appending empty-status slots for new ones.
// Called when a profile with relay mappings is applied.
func (rb *RelayBank) EnsureFunctions(mappings map[string]int) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	dev := rb.devices[DefaultIODevice]
	for _, fn := range mappings {
		if fn <= 0 {
			continue
		}
		if _, ok := rb.findLocked(fn); ok {
			continue
		}
		placed := false
		for i := range dev.relays {
			if dev.relays[i].Function == 0 {
				dev.relays[i] = IOSlot{Function: fn}
				placed = true
				break
			}
		}
		if !placed {
			dev.relays = append(dev.relays, IOSlot{Function: fn})
		}
	}
}

// Subscriptions returns a copy of the relay subscription set.
func (rb *RelayBank) Subscriptions() map[int]bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	out := make(map[int]bool, len(rb.subs))
	for fn, noAck := range rb.subs {
		out[fn] = noAck
	}
	return out
}
