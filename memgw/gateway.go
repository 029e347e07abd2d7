// Package memgw implements the guest memory gateway (§6): the narrow
// interface the core uses to read, write, and map guest-physical memory,
// backed by anonymous host mappings rather than any particular driver ABI.
package memgw

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/haxcore/vcore/corevm"
)

// poison is copied across newly allocated RAM above the first megabyte so
// that a guest that branches into unpopulated memory vmexits immediately
// instead of executing whatever zero bytes happen to decode to.
//
// Disassembly:
//
//	0:  b8 be ba fe ca          mov    eax,0xcafebabe
//	5:  90                      nop
//	6:  0f 0b                   ud2
const poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

const highMemBase = 0x100000

var errShortMapping = errors.New("memgw: mapping spans a slot boundary")

// slot is one contiguous host-backed span of guest-physical RAM, mmap'd
// anonymously so the gateway owns real pages the walker and vTLB engine can
// resolve addresses within.
type slot struct {
	region
	buf []byte
}

// Gateway implements corevm.MemoryGateway over a set of mmap'd RAM slots.
// It holds no vCPU state: it is safe to share across every goroutine in an
// errgroup-driven multi-vCPU harness, per §5.
type Gateway struct {
	set   regionSet
	slots []*slot
}

// New allocates a single RAM slot of ramsize bytes at guest-physical address
// 0, poisoning everything above the first megabyte.
func New(ramsize int) (*Gateway, error) {
	gw := &Gateway{}
	if err := gw.AddSlot("phys-ram", 0, ramsize); err != nil {
		return nil, err
	}

	return gw, nil
}

// AddSlot registers a new host-backed RAM region at [addr, addr+size).
func (g *Gateway) AddSlot(name string, addr uint64, size int) error {
	r := region{name: name, start: addr, size: uint64(size)}
	if err := g.set.add(&r); err != nil {
		return err
	}

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return err
	}

	for i := highMemBase; i < len(buf); i += len(poison) {
		copy(buf[i:], poison)
	}

	g.slots = append(g.slots, &slot{region: r, buf: buf})

	return nil
}

func (g *Gateway) findSlot(gpa uint64) *slot {
	for _, s := range g.slots {
		if gpa >= s.start && gpa < s.end() {
			return s
		}
	}

	return nil
}

// ReadData copies up to len(buf) bytes starting at gpa, stopping at the end
// of the backing slot. It never reads across two slots in one call: a
// caller that needs more crosses the page boundary itself, matching the
// walker's one-page-at-a-time contract (§4.4).
func (g *Gateway) ReadData(gpa uint64, buf []byte) (int, error) {
	s := g.findSlot(gpa)
	if s == nil {
		return 0, corevm.ErrUnmapped
	}

	off := gpa - s.start
	n := copy(buf, s.buf[off:])

	return n, nil
}

// WriteData copies buf into guest-physical memory starting at gpa.
func (g *Gateway) WriteData(gpa uint64, buf []byte) (int, error) {
	s := g.findSlot(gpa)
	if s == nil {
		return 0, corevm.ErrUnmapped
	}

	off := gpa - s.start
	n := copy(s.buf[off:], buf)

	return n, nil
}

// MapPage maps the frame containing guest-physical frame number gfn into a
// kernel-linear address. Because slots are already host-resident (there is
// no separate kernel address space to map into), this returns a window
// directly onto the slot's backing buffer; UnmapPage is a no-op release.
func (g *Gateway) MapPage(gfn uint64) (*corevm.Mapping, error) {
	gpa := gfn << corevm.Order4K

	s := g.findSlot(gpa)
	if s == nil {
		return nil, corevm.ErrUnmapped
	}

	pageEnd := gpa + corevm.Order4K.Bytes()
	if pageEnd > s.end() {
		return nil, errShortMapping
	}

	off := gpa - s.start

	return &corevm.Mapping{
		KernelAddr: uintptr(hostAddr(s.buf[off:])),
		Handle:     gfn,
	}, nil
}

// UnmapPage releases a mapping produced by MapPage. Slot-backed mappings
// need no teardown; this exists so callers that expect map/unmap symmetry
// (and future non-anonymous backings) have a stable place to hook it.
func (g *Gateway) UnmapPage(_ *corevm.Mapping) {}

// GFNToHPA resolves a guest frame number to the host address of its backing
// page, expressed as a frame number in the gateway's own address space. In
// the absence of a second-level translation device, this is the identity
// the vTLB engine installs as the shadow PTE's base field (§4.3).
func (g *Gateway) GFNToHPA(gfn uint64) uint64 {
	gpa := gfn << corevm.Order4K

	s := g.findSlot(gpa)
	if s == nil {
		return 0
	}

	off := gpa - s.start

	return hostAddr(s.buf[off:]) >> corevm.Order4K
}
