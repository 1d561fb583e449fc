package wallet

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Branch identifiers within a mixdepth account (BIP32 change field).
const (
	BranchExternal uint32 = 0
	BranchInternal uint32 = 1
)

// hardenedStart is the first hardened BIP32 child index.
const hardenedStart uint32 = 0x80000000

// Path identifies a single key in the wallet. Derived paths carry the wallet's
// 3-byte key ident (namespace check) plus the BIP32 levels below the master
// key; imported paths carry only (mixdepth, slot) into the imported-key table.
type Path struct {
	keyIdent []byte
	levels   []uint32

	imported bool
	mixdepth uint32
	slot     int
}

func newDerivedPath(keyIdent []byte, levels []uint32) Path {
	return Path{keyIdent: keyIdent, levels: levels, slot: -1}
}

// NewImportedPath builds a path of the form imported/<mixdepth>/<slot>.
func NewImportedPath(mixdepth uint32, slot int) Path {
	return Path{imported: true, mixdepth: mixdepth, slot: slot}
}

// Imported reports whether the path points into the imported-key table.
func (p Path) Imported() bool { return p.imported }

// Levels returns the BIP32 child indices below the master key. Empty for
// imported paths.
func (p Path) Levels() []uint32 { return p.levels }

// ImportedSlot returns (mixdepth, slot) for an imported path.
func (p Path) ImportedSlot() (uint32, int) { return p.mixdepth, p.slot }

// Index returns the final (address) level of a derived path.
func (p Path) Index() uint32 { return p.levels[len(p.levels)-1] }

// Branch returns the penultimate (change) level of a derived path.
func (p Path) Branch() uint32 { return p.levels[len(p.levels)-2] }

// BelongsTo reports whether a derived path carries the given key ident.
// Imported paths belong to whichever wallet's table they index; they pass.
func (p Path) BelongsTo(keyIdent []byte) bool {
	if p.imported {
		return true
	}
	return bytes.Equal(p.keyIdent, keyIdent)
}

// Equal compares two paths structurally.
func (p Path) Equal(o Path) bool {
	if p.imported != o.imported {
		return false
	}
	if p.imported {
		return p.mixdepth == o.mixdepth && p.slot == o.slot
	}
	if !bytes.Equal(p.keyIdent, o.keyIdent) || len(p.levels) != len(o.levels) {
		return false
	}
	for i, l := range p.levels {
		if o.levels[i] != l {
			return false
		}
	}
	return true
}

// String renders the human-readable representation: "m/84'/0'/1'/0/5" for
// derived paths, "imported/1/0" for imported ones.
func (p Path) String() string {
	if p.imported {
		return fmt.Sprintf("imported/%d/%d", p.mixdepth, p.slot)
	}
	parts := make([]string, 0, len(p.levels)+1)
	parts = append(parts, "m")
	for _, lvl := range p.levels {
		parts = append(parts, levelRepr(lvl))
	}
	return strings.Join(parts, "/")
}

func levelRepr(lvl uint32) string {
	if lvl >= hardenedStart {
		return strconv.FormatUint(uint64(lvl-hardenedStart), 10) + "'"
	}
	return strconv.FormatUint(uint64(lvl), 10)
}

func parseLevel(s string) (uint32, error) {
	hardened := strings.HasSuffix(s, "'")
	s = strings.TrimSuffix(s, "'")
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid path level %q: %w", s, err)
	}
	if v >= uint64(hardenedStart) {
		return 0, fmt.Errorf("path level %d out of range", v)
	}
	if hardened {
		return uint32(v) + hardenedStart, nil
	}
	return uint32(v), nil
}

// ParsePathRepr converts a human-readable path back to a Path. The key ident
// of the owning wallet is attached to derived paths.
func ParsePathRepr(repr string, keyIdent []byte) (Path, error) {
	parts := strings.Split(repr, "/")
	if len(parts) == 0 {
		return Path{}, fmt.Errorf("empty wallet path")
	}
	if parts[0] == "imported" {
		if len(parts) != 3 {
			return Path{}, fmt.Errorf("not a valid imported path: %q", repr)
		}
		md, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return Path{}, fmt.Errorf("invalid imported mixdepth: %w", err)
		}
		slot, err := strconv.Atoi(parts[2])
		if err != nil || slot < 0 {
			return Path{}, fmt.Errorf("invalid imported slot: %q", parts[2])
		}
		return NewImportedPath(uint32(md), slot), nil
	}
	if parts[0] != "m" {
		return Path{}, fmt.Errorf("not a valid wallet path: %q", repr)
	}
	levels := make([]uint32, 0, len(parts)-1)
	for _, part := range parts[1:] {
		lvl, err := parseLevel(part)
		if err != nil {
			return Path{}, err
		}
		levels = append(levels, lvl)
	}
	return newDerivedPath(keyIdent, levels), nil
}

// pathRecord is the persisted form of a Path inside the wallet blob. The key
// ident is not stored; it is re-attached at load time.
type pathRecord struct {
	Levels   []uint32 `json:"levels,omitempty"`
	Imported bool     `json:"imported,omitempty"`
	Mixdepth uint32   `json:"mixdepth,omitempty"`
	Slot     int      `json:"slot,omitempty"`
}

func (p Path) record() pathRecord {
	if p.imported {
		return pathRecord{Imported: true, Mixdepth: p.mixdepth, Slot: p.slot}
	}
	return pathRecord{Levels: p.levels}
}

func (r pathRecord) path(keyIdent []byte) Path {
	if r.Imported {
		return NewImportedPath(r.Mixdepth, r.Slot)
	}
	return newDerivedPath(keyIdent, r.Levels)
}
