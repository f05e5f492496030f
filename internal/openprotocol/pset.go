package openprotocol

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// -------------------------------------------------------------------------
// Parameter Sets: torque/angle targets and tolerances
// -------------------------------------------------------------------------

// PsetNone is the parameter-set id meaning "none selected".
const PsetNone = "0"

// allowedPsets is the fixed set of valid parameter-set identifiers:
// 001-005, 010-015, 050-055, 100-105.
var allowedPsets = buildAllowedPsets()

func buildAllowedPsets() map[string]struct{} {
	out := make(map[string]struct{})
	add := func(lo, hi int) {
		for n := lo; n <= hi; n++ {
			out[fmt.Sprintf("%03d", n)] = struct{}{}
		}
	}
	add(1, 5)
	add(10, 15)
	add(50, 55)
	add(100, 105)
	return out
}

// ValidPsetID reports whether id names an installed parameter set.
// The id must already be in canonical 3-digit form.
func ValidPsetID(id string) bool {
	_, ok := allowedPsets[id]
	return ok
}

// AllowedPsetIDs returns the sorted canonical ids of all parameter sets.
func AllowedPsetIDs() []string {
	out := make([]string, 0, len(allowedPsets))
	for id := range allowedPsets {
		out = append(out, id)
	}
	// 3-digit zero-padded ids sort correctly as strings.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// CanonicalPsetID left-trims whitespace and zero-pads an inbound pset id
// to 3 digits. "0" and "000" both canonicalize to PsetNone.
func CanonicalPsetID(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "0" || s == "000" {
		return PsetNone
	}
	for len(s) < 3 {
		s = "0" + s
	}
	return s
}

// -------------------------------------------------------------------------
// PsetParams
// -------------------------------------------------------------------------

// Sentinel errors for parameter validation.
var (
	// ErrTorqueRange indicates torque min exceeds torque max.
	ErrTorqueRange = errors.New("torque min exceeds torque max")

	// ErrAngleRange indicates angle min exceeds angle max.
	ErrAngleRange = errors.New("angle min exceeds angle max")

	// ErrBatchSize indicates a negative batch size.
	ErrBatchSize = errors.New("batch size must be >= 0")

	// ErrUnknownPset indicates an id outside the installed set.
	ErrUnknownPset = errors.New("unknown parameter set")
)

// PsetParams holds the tightening targets and tolerances of one parameter
// set. Torque values are Nm with two decimals; angles are whole degrees.
// The JSON field names match the persisted parameter file format.
type PsetParams struct {
	BatchSize    int     `json:"batch_size"`
	TargetTorque float64 `json:"target_torque"`
	TorqueMin    float64 `json:"torque_min"`
	TorqueMax    float64 `json:"torque_max"`
	TargetAngle  int     `json:"target_angle"`
	AngleMin     int     `json:"angle_min"`
	AngleMax     int     `json:"angle_max"`
}

// DefaultPsetParams returns the global default tightening parameters used
// when no parameter set is selected and as the initial value of every
// installed set.
func DefaultPsetParams() PsetParams {
	return PsetParams{
		BatchSize:    5,
		TargetTorque: 50.00,
		TorqueMin:    47.00,
		TorqueMax:    53.00,
		TargetAngle:  90,
		AngleMin:     80,
		AngleMax:     100,
	}
}

// Validate checks the parameter invariants.
func (p PsetParams) Validate() error {
	if p.BatchSize < 0 {
		return ErrBatchSize
	}
	if p.TorqueMin > p.TorqueMax {
		return ErrTorqueRange
	}
	if p.AngleMin > p.AngleMax {
		return ErrAngleRange
	}
	return nil
}

// -------------------------------------------------------------------------
// PsetTable
// -------------------------------------------------------------------------

// PsetTable holds the parameters of every installed parameter set.
// The id set is fixed; only parameter values change.
type PsetTable struct {
	mu     sync.RWMutex
	params map[string]PsetParams
}

// NewPsetTable creates a table with every installed set at defaults.
func NewPsetTable() *PsetTable {
	t := &PsetTable{params: make(map[string]PsetParams, len(allowedPsets))}
	for id := range allowedPsets {
		t.params[id] = DefaultPsetParams()
	}
	return t
}

// Get returns the parameters for id and whether the id is installed.
func (t *PsetTable) Get(id string) (PsetParams, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.params[id]
	return p, ok
}

// Set replaces the parameters of an installed set after validation.
func (t *PsetTable) Set(id string, p PsetParams) error {
	if !ValidPsetID(id) {
		return fmt.Errorf("pset %q: %w", id, ErrUnknownPset)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("pset %q: %w", id, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.params[id] = p
	return nil
}

// Load replaces parameters for the ids present in m, keeping defaults for
// the rest. Unknown ids and invalid parameter blocks are skipped and
// reported in the returned slice so the caller can log them.
func (t *PsetTable) Load(m map[string]PsetParams) []string {
	var skipped []string
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range m {
		if !ValidPsetID(id) || p.Validate() != nil {
			skipped = append(skipped, id)
			continue
		}
		t.params[id] = p
	}
	return skipped
}

// Snapshot returns a copy of the full id -> parameters mapping.
func (t *PsetTable) Snapshot() map[string]PsetParams {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]PsetParams, len(t.params))
	for id, p := range t.params {
		out[id] = p
	}
	return out
}
