// Package profile manages controller profiles: named snapshots of the
// per-MID revision ceiling plus optional relay-function mappings.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/dantte-lp/gofasten/internal/openprotocol"
)

// Built-in profile names.
const (
	NameLegacy      = "legacy"
	NamePF6000Basic = "pf6000-basic"
	NamePF6000Full  = "pf6000-full"
)

// Profile errors.
var (
	// ErrUnknownProfile indicates a name with no built-in profile.
	ErrUnknownProfile = errors.New("unknown profile")

	// ErrBadMIDKey indicates a revisions key that is not a numeric MID.
	ErrBadMIDKey = errors.New("revisions key is not a numeric MID")
)

// Profile is one controller profile. The revisions map lists only the
// MIDs it pins; applying a profile leaves unlisted MIDs untouched.
type Profile struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Revisions     map[int]int    `json:"-"`
	RelayMappings map[string]int `json:"relay_mappings,omitempty"`
}

// profileWire is the JSON shape: revision keys are 4-digit MID strings.
type profileWire struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Revisions     map[string]int `json:"revisions"`
	RelayMappings map[string]int `json:"relay_mappings,omitempty"`
}

// Builtin returns a built-in profile by name.
func Builtin(name string) (Profile, error) {
	switch name {
	case NameLegacy:
		return legacyProfile(), nil
	case NamePF6000Basic:
		return pf6000Basic(), nil
	case NamePF6000Full:
		return pf6000Full(), nil
	default:
		return Profile{}, fmt.Errorf("profile %q: %w", name, ErrUnknownProfile)
	}
}

// BuiltinNames lists the built-in profile names.
func BuiltinNames() []string {
	return []string{NameLegacy, NamePF6000Basic, NamePF6000Full}
}

// legacyProfile pins every tiered MID to revision 1, emulating a
// first-generation controller.
func legacyProfile() Profile {
	return Profile{
		Name:        NameLegacy,
		Description: "First-generation controller, revision 1 everywhere",
		Revisions: map[int]int{
			openprotocol.MIDStartAck:     1,
			openprotocol.MIDError:        1,
			openprotocol.MIDPsetSelected: 1,
			openprotocol.MIDToolData:     1,
			openprotocol.MIDVIN:          1,
			openprotocol.MIDResult:       1,
			openprotocol.MIDMultiResult:  1,
			openprotocol.MIDIOStatus:     1,
		},
	}
}

// pf6000Basic is a mid-range controller with moderate revision support.
func pf6000Basic() Profile {
	return Profile{
		Name:        NamePF6000Basic,
		Description: "PF6000 with a reduced revision set",
		Revisions: map[int]int{
			openprotocol.MIDStartAck:     4,
			openprotocol.MIDError:        2,
			openprotocol.MIDPsetSelected: 2,
			openprotocol.MIDToolData:     2,
			openprotocol.MIDVIN:          2,
			openprotocol.MIDResult:       4,
			openprotocol.MIDMultiResult:  4,
			openprotocol.MIDIOStatus:     1,
		},
		RelayMappings: openprotocol.DefaultRelayMappings(),
	}
}

// pf6000Full carries the full revision catalogue of the simulator.
func pf6000Full() Profile {
	return Profile{
		Name:        NamePF6000Full,
		Description: "PF6000 with every supported revision",
		Revisions: map[int]int{
			openprotocol.MIDStartAck:     6,
			openprotocol.MIDError:        3,
			openprotocol.MIDPsetSelected: 2,
			openprotocol.MIDToolData:     5,
			openprotocol.MIDVIN:          2,
			openprotocol.MIDResult:       7,
			openprotocol.MIDMultiResult:  5,
			openprotocol.MIDIOStatus:     2,
		},
		RelayMappings: openprotocol.DefaultRelayMappings(),
	}
}

// LoadFile reads a JSON profile from disk.
func LoadFile(path string) (Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile %s: %w", path, err)
	}
	p, err := Parse(raw)
	if err != nil {
		return Profile{}, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a JSON profile document.
func Parse(raw []byte) (Profile, error) {
	var w profileWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}

	p := Profile{
		Name:          w.Name,
		Description:   w.Description,
		Revisions:     make(map[int]int, len(w.Revisions)),
		RelayMappings: w.RelayMappings,
	}
	for key, rev := range w.Revisions {
		mid, err := strconv.Atoi(key)
		if err != nil || mid < 1 || mid > openprotocol.MaxMID {
			return Profile{}, fmt.Errorf("parse profile: key %q: %w", key, ErrBadMIDKey)
		}
		p.Revisions[mid] = rev
	}
	return p, nil
}

// Apply installs the profile: the revision ceilings go into the registry
// and any relay mappings are guaranteed slots in the relay bank.
func Apply(p Profile, reg *openprotocol.Registry, relays *openprotocol.RelayBank) error {
	if err := reg.Apply(p.Revisions); err != nil {
		return fmt.Errorf("apply profile %q: %w", p.Name, err)
	}
	if len(p.RelayMappings) > 0 && relays != nil {
		relays.EnsureFunctions(p.RelayMappings)
	}
	return nil
}

// MarshalJSON renders the profile in the wire shape with 4-digit MID
// string keys.
func (p Profile) MarshalJSON() ([]byte, error) {
	w := profileWire{
		Name:          p.Name,
		Description:   p.Description,
		Revisions:     make(map[string]int, len(p.Revisions)),
		RelayMappings: p.RelayMappings,
	}
	for mid, rev := range p.Revisions {
		w.Revisions[fmt.Sprintf("%04d", mid)] = rev
	}
	return json.Marshal(w)
}
