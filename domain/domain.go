// Package domain implements boltd's in-memory domain model (spec.md
// §4.7): the set of Thunderbolt security domains known to the daemon,
// kept sorted by sort key (descending), plus each domain's boot-ACL
// slot table. The teacher's pack has no container type that models an
// intrusive sorted linked list, so this is a plain sorted slice kept in
// order on insert — the idiomatic Go substitute for the original's
// sentinel-pointer list, per the design note that a proper iterator
// should replace the pointer-chasing encoding rather than mimic it.
package domain

import (
	"sort"

	"github.com/gicmo/bolt-sub000/boltderr"
)

// SecurityLevel mirrors sysfs.SecurityLevel but is redeclared here to
// keep this package free of a sysfs dependency; callers convert at the
// boundary.
type SecurityLevel string

const (
	SecurityNone    SecurityLevel = "none"
	SecurityUser    SecurityLevel = "user"
	SecuritySecure  SecurityLevel = "secure"
	SecurityDPOnly  SecurityLevel = "dponly"
	SecurityUSBOnly SecurityLevel = "usbonly"
)

// Domain is one Thunderbolt security domain.
type Domain struct {
	Uid      string
	SortKey  int
	Security SecurityLevel
	ACL      *BootACL
}

// List is a sort-key-descending ordered collection of domains.
type List struct {
	domains []*Domain
}

// NewList returns an empty domain list.
func NewList() *List {
	return &List{}
}

// Insert adds d, placing it before the first existing domain with a
// lower sort key (or at the end if none is lower), preserving
// descending order.
func (l *List) Insert(d *Domain) {
	idx := sort.Search(len(l.domains), func(i int) bool {
		return l.domains[i].SortKey < d.SortKey
	})
	l.domains = append(l.domains, nil)
	copy(l.domains[idx+1:], l.domains[idx:])
	l.domains[idx] = d
}

// FindId scans linearly for a domain by uid.
func (l *List) FindId(uid string) *Domain {
	for _, d := range l.domains {
		if d.Uid == uid {
			return d
		}
	}
	return nil
}

// Remove deletes the domain with the given uid, preserving order. It
// reports whether the domain was found.
func (l *List) Remove(uid string) bool {
	for i, d := range l.domains {
		if d.Uid == uid {
			l.domains = append(l.domains[:i], l.domains[i+1:]...)
			return true
		}
	}
	return false
}

// All returns the domains in sort-key-descending order. The returned
// slice is owned by the caller; mutating it does not affect the list.
func (l *List) All() []*Domain {
	out := make([]*Domain, len(l.domains))
	copy(out, l.domains)
	return out
}

// Len reports the number of domains in the list.
func (l *List) Len() int {
	return len(l.domains)
}

// BootACL is a fixed-size ordered array of uid slots, sized by the
// kernel-reported capacity.
type BootACL struct {
	slots []string // "" marks an empty slot
}

// NewBootACL creates a boot-ACL with the given capacity, all slots
// empty.
func NewBootACL(capacity int) *BootACL {
	return &BootACL{slots: make([]string, capacity)}
}

// Slots returns (capacity, free_count).
func (a *BootACL) Slots() (capacity, free int) {
	capacity = len(a.slots)
	for _, s := range a.slots {
		if s == "" {
			free++
		}
	}
	return capacity, free
}

// Contains reports whether uid currently occupies a slot.
func (a *BootACL) Contains(uid string) bool {
	for _, s := range a.slots {
		if s == uid {
			return true
		}
	}
	return false
}

// Used returns the non-empty slots in order.
func (a *BootACL) Used() []string {
	var out []string
	for _, s := range a.slots {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Allocate finds a slot for uid: it prefers a slot that has never been
// occupied (by cross-referencing prevACL, the slot table observed
// before this allocation round began), falling back to FIFO
// replacement of the oldest occupied slot (slot 0, since entries shift
// left as they age in the kernel's reporting order). It returns the
// chosen slot index.
func (a *BootACL) Allocate(prevACL []string, uid string) (int, error) {
	if a.Contains(uid) {
		return -1, boltderr.New(boltderr.KindExists, "uid %s already in boot acl", uid)
	}

	everUsed := make(map[int]bool, len(a.slots))
	for i := range a.slots {
		if i < len(prevACL) && prevACL[i] != "" {
			everUsed[i] = true
		}
		if a.slots[i] != "" {
			everUsed[i] = true
		}
	}

	for i, s := range a.slots {
		if s == "" && !everUsed[i] {
			a.slots[i] = uid
			return i, nil
		}
	}

	for i, s := range a.slots {
		if s == "" {
			a.slots[i] = uid
			return i, nil
		}
	}

	// FIFO replacement: evict the oldest entry, which by kernel
	// reporting convention is slot 0.
	copy(a.slots, a.slots[1:])
	a.slots[len(a.slots)-1] = uid
	return len(a.slots) - 1, nil
}

// Set validates len(acl) against capacity and, on success, replaces the
// slot table wholesale.
func (a *BootACL) Set(acl []string) error {
	if len(acl) != len(a.slots) {
		return boltderr.New(boltderr.KindFailed, "boot acl length %d != capacity %d", len(acl), len(a.slots))
	}
	copy(a.slots, acl)
	return nil
}

// Add is a convenience wrapper around Allocate using the current slot
// table as prevACL.
func (a *BootACL) Add(uid string) (int, error) {
	prev := make([]string, len(a.slots))
	copy(prev, a.slots)
	return a.Allocate(prev, uid)
}

// Del clears uid's slot, if present.
func (a *BootACL) Del(uid string) bool {
	for i, s := range a.slots {
		if s == uid {
			a.slots[i] = ""
			return true
		}
	}
	return false
}
