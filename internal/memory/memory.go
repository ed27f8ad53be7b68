// Package memory implements the emulator's paged virtual address space: a
// sparse page-indexed byte store with per-byte initialization tracking and
// an ordered list of permission regions.
//
// Completion: 100% - Core memory model complete
package memory

import (
	"encoding/binary"

	"github.com/xyproto/amd64emu/internal/emuerr"
)

const (
	// PageBits is the page-size exponent; pages are 4 KiB as recommended by
	// the distilled spec.
	PageBits = 12
	PageSize = 1 << PageBits
	pageMask = PageSize - 1
)

// page holds one 4 KiB window of the address space plus a parallel bitmap
// recording which bytes have ever been written.
type page struct {
	bytes [PageSize]byte
	init  [PageSize]bool
}

// region is one permission range, inclusive on both ends.
type region struct {
	lo, hi                  uint64
	readable, writable, exec bool
}

func (r region) contains(addr uint64) bool { return addr >= r.lo && addr <= r.hi }

// FillPolicy supplies the byte for a read of a never-written address.
// A nil policy means "forbidden": uninitialized reads always fail.
type FillPolicy func(addr uint64) byte

// ZeroFill always returns 0.
func ZeroFill(uint64) byte { return 0 }

// FixedFill returns a FillPolicy that always returns b.
func FixedFill(b byte) FillPolicy {
	return func(uint64) byte { return b }
}

// Memory is the emulator's virtual address space.
type Memory struct {
	pages   map[uint64]*page
	regions []region

	fill FillPolicy // nil => forbidden

	breakOnPermission    bool
	breakOnUninitialized bool
}

// Config bundles the two checked-access toggles and the fill policy used to
// construct a Memory. Kept separate from emuconfig.Config to avoid an
// import cycle; internal/emu wires the two together.
type Config struct {
	Fill                 FillPolicy
	BreakOnPermission    bool
	BreakOnUninitialized bool
}

// New creates an empty address space under the given configuration.
func New(cfg Config) *Memory {
	return &Memory{
		pages:                make(map[uint64]*page),
		fill:                 cfg.Fill,
		breakOnPermission:    cfg.BreakOnPermission,
		breakOnUninitialized: cfg.BreakOnUninitialized,
	}
}

func (m *Memory) pageFor(addr uint64, create bool) *page {
	pn := addr >> PageBits
	p, ok := m.pages[pn]
	if !ok && create {
		p = &page{}
		m.pages[pn] = p
	}
	return p
}

// SetPermissions installs a permission region covering [lo, hi]
// (inclusive). A call whose range exactly matches an existing region
// replaces that region; any other call adds a new region. Partially
// overlapping regions are kept side by side rather than spliced, so
// Permissions ORs across all regions containing addr.
func (m *Memory) SetPermissions(lo, hi uint64, r, w, x bool) {
	nr := region{lo: lo, hi: hi, readable: r, writable: w, exec: x}
	for i := range m.regions {
		if m.regions[i].lo == lo && m.regions[i].hi == hi {
			m.regions[i] = nr
			return
		}
	}
	m.regions = append(m.regions, nr)
}

// Permissions returns the logical OR of readable/writable/executable across
// every region containing addr. An address covered by no region has all
// three false.
func (m *Memory) Permissions(addr uint64) (readable, writable, exec bool) {
	for _, r := range m.regions {
		if r.contains(addr) {
			readable = readable || r.readable
			writable = writable || r.writable
			exec = exec || r.exec
		}
	}
	return
}

func (m *Memory) checkPermission(addr uint64, kind emuerr.AccessKind) error {
	if !m.breakOnPermission {
		return nil
	}
	readable, writable, exec := m.Permissions(addr)
	ok := false
	switch kind {
	case emuerr.AccessRead:
		ok = readable
	case emuerr.AccessWrite:
		ok = writable
	case emuerr.AccessExecute:
		ok = exec
	}
	if !ok {
		return &emuerr.PermissionDenied{Address: addr, Kind: kind}
	}
	return nil
}

// IsInitialized reports whether addr has ever been written.
func (m *Memory) IsInitialized(addr uint64) bool {
	p := m.pageFor(addr, false)
	if p == nil {
		return false
	}
	return p.init[addr&pageMask]
}

func (m *Memory) readRaw(addr uint64) (byte, error) {
	p := m.pageFor(addr, true)
	off := addr & pageMask
	if p.init[off] {
		return p.bytes[off], nil
	}
	if m.breakOnUninitialized {
		return 0, &emuerr.UninitializedRead{Address: addr}
	}
	if m.fill == nil {
		// Forbidden fill policy: an uninitialized read always fails, even
		// with the break-on-uninitialized check itself turned off.
		return 0, &emuerr.UninitializedRead{Address: addr}
	}
	b := m.fill(addr)
	p.bytes[off] = b
	p.init[off] = true
	return b, nil
}

// Read8 reads one byte, enforcing the readable permission and the
// uninitialized-read check.
func (m *Memory) Read8(addr uint64) (byte, error) {
	if err := m.checkPermission(addr, emuerr.AccessRead); err != nil {
		return 0, err
	}
	return m.readRaw(addr)
}

// ReadCode reads one byte for instruction fetch, enforcing the executable
// permission instead of readable. Otherwise identical to Read8.
func (m *Memory) ReadCode(addr uint64) (byte, error) {
	if err := m.checkPermission(addr, emuerr.AccessExecute); err != nil {
		return 0, err
	}
	return m.readRaw(addr)
}

// Write8 writes one byte, enforcing the writable permission, and marks it
// initialized.
func (m *Memory) Write8(addr uint64, v byte) error {
	if err := m.checkPermission(addr, emuerr.AccessWrite); err != nil {
		return err
	}
	p := m.pageFor(addr, true)
	off := addr & pageMask
	p.bytes[off] = v
	p.init[off] = true
	return nil
}

// ReadLE16/32/64 compose successive independently-checked byte reads into a
// little-endian integer.
func (m *Memory) ReadLE16(addr uint64) (uint16, error) {
	var buf [2]byte
	if err := m.readBytes(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (m *Memory) ReadLE32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := m.readBytes(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (m *Memory) ReadLE64(addr uint64) (uint64, error) {
	var buf [8]byte
	if err := m.readBytes(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (m *Memory) readBytes(addr uint64, dst []byte) error {
	for i := range dst {
		b, err := m.Read8(addr + uint64(i))
		if err != nil {
			return err
		}
		dst[i] = b
	}
	return nil
}

// WriteLE16/32/64 write a little-endian integer as successive
// independently-checked byte writes, marking each byte initialized.
func (m *Memory) WriteLE16(addr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return m.writeBytes(addr, buf[:])
}

func (m *Memory) WriteLE32(addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return m.writeBytes(addr, buf[:])
}

func (m *Memory) WriteLE64(addr uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return m.writeBytes(addr, buf[:])
}

func (m *Memory) writeBytes(addr uint64, src []byte) error {
	for i, b := range src {
		if err := m.Write8(addr+uint64(i), b); err != nil {
			return err
		}
	}
	return nil
}

// Initialize writes n copies of fillByte starting at addr, marking each byte
// initialized, bypassing the writable permission check. Used by the loader
// to populate NOBITS (.bss) ranges and to zero the stack region.
func (m *Memory) Initialize(addr uint64, n int, fillByte byte) {
	for i := 0; i < n; i++ {
		a := addr + uint64(i)
		p := m.pageFor(a, true)
		off := a & pageMask
		p.bytes[off] = fillByte
		p.init[off] = true
	}
}

// InitializeBytes copies data into memory starting at addr, marking each
// byte initialized, bypassing the writable permission check. Used by the
// loader to copy allocatable section contents and the initial stack frame.
func (m *Memory) InitializeBytes(addr uint64, data []byte) {
	for i, b := range data {
		a := addr + uint64(i)
		p := m.pageFor(a, true)
		off := a & pageMask
		p.bytes[off] = b
		p.init[off] = true
	}
}
