package memgw

import "errors"

var errRegionOccupied = errors.New("memgw: region occupied")

// region is a named span of guest-physical address space, kept as a simple
// interval so Gateway can reject overlapping RAM registrations the way the
// teacher's address-space tree did.
type region struct {
	name  string
	start uint64
	size  uint64
}

func (r *region) end() uint64 { return r.start + r.size }

func (r *region) overlaps(o *region) bool {
	return r.start < o.end() && o.start < r.end()
}

type regionSet struct {
	regions []*region
}

func (s *regionSet) add(r *region) error {
	for _, existing := range s.regions {
		if existing.overlaps(r) {
			return errRegionOccupied
		}
	}

	s.regions = append(s.regions, r)

	return nil
}

func (s *regionSet) find(gpa uint64) *region {
	for _, r := range s.regions {
		if gpa >= r.start && gpa < r.end() {
			return r
		}
	}

	return nil
}
