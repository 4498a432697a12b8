// Package dcdir tracks the set of known datacenters and the addresses
// to reach them. It replaces the teacher's signed mix-descriptor
// directory with the much smaller problem an MTProto client actually
// has: a small, server-updatable list of (dc_id -> addresses), no
// signatures, no epochs.
package dcdir

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// Transport names a descriptor's address family, mirroring the
// teacher's transport-keyed Addresses map.
type Transport string

const (
	TransportInvalid Transport = ""
	TransportTCPv4   Transport = "tcp4"
	TransportTCPv6   Transport = "tcp6"
)

// Descriptor describes one datacenter: its numeric id and the
// addresses it can be reached at, plus the flags help.getConfig's
// dc_options carries (media-only and CDN datacenters are dialed only
// for the traffic that needs them).
type Descriptor struct {
	ID        int32
	Addresses map[Transport][]string

	MediaOnly bool
	CDN       bool
	Static    bool
}

// String renders a terse form suitable for logging.
func (d *Descriptor) String() string {
	return fmt.Sprintf("{dc%d %v media_only=%v cdn=%v}", d.ID, d.Addresses, d.MediaOnly, d.CDN)
}

// IsWellFormed validates a descriptor's address list the way the
// teacher validates a mix descriptor's: every advertised address must
// parse as host:port, and the host must match the IP version its
// transport key claims.
func IsWellFormed(d *Descriptor) error {
	if d.ID == 0 {
		return fmt.Errorf("dcdir: descriptor missing ID")
	}
	if len(d.Addresses) == 0 {
		return fmt.Errorf("dcdir: dc%d has no addresses", d.ID)
	}
	for transport, addrs := range d.Addresses {
		if len(addrs) == 0 {
			return fmt.Errorf("dcdir: dc%d has empty address list for %q", d.ID, transport)
		}
		var wantVer int
		switch transport {
		case TransportTCPv4:
			wantVer = 4
		case TransportTCPv6:
			wantVer = 6
		default:
			return fmt.Errorf("dcdir: dc%d has unknown transport %q", d.ID, transport)
		}
		for _, addr := range addrs {
			h, p, err := net.SplitHostPort(addr)
			if err != nil {
				return fmt.Errorf("dcdir: dc%d invalid address %q: %w", d.ID, addr, err)
			}
			if port, err := strconv.ParseUint(p, 10, 16); err != nil || port == 0 {
				return fmt.Errorf("dcdir: dc%d invalid port in %q", d.ID, addr)
			}
			ver, err := ipVersion(h)
			if err != nil {
				return fmt.Errorf("dcdir: dc%d address %q: %w", d.ID, addr, err)
			}
			if ver != wantVer {
				return fmt.Errorf("dcdir: dc%d address %q is IPv%d, want IPv%d", d.ID, addr, ver, wantVer)
			}
		}
	}
	return nil
}

func ipVersion(h string) (int, error) {
	ip := net.ParseIP(h)
	if ip == nil {
		return 0, fmt.Errorf("not an IP literal")
	}
	if ip.To4() != nil {
		return 4, nil
	}
	return 6, nil
}

// Directory is the client's live view of the datacenter set, seeded at
// startup from config and kept current by help.getConfig replies.
type Directory struct {
	mu      sync.RWMutex
	byID    map[int32]*Descriptor
	nearest int32
}

// New builds a Directory from a seed list, rejecting any malformed
// descriptor up front rather than discovering the problem mid-dial.
func New(seed []*Descriptor) (*Directory, error) {
	d := &Directory{byID: make(map[int32]*Descriptor, len(seed))}
	for _, desc := range seed {
		if err := IsWellFormed(desc); err != nil {
			return nil, err
		}
		d.byID[desc.ID] = desc
	}
	return d, nil
}

// Get returns the descriptor for id, if known.
func (d *Directory) Get(id int32) (*Descriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	desc, ok := d.byID[id]
	return desc, ok
}

// Update replaces (or inserts) a descriptor, as driven by a fresh
// help.getConfig reply. A malformed descriptor is rejected and the
// existing entry, if any, is left untouched.
func (d *Directory) Update(desc *Descriptor) error {
	if err := IsWellFormed(desc); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID[desc.ID] = desc
	return nil
}

// IDs returns every known datacenter id.
func (d *Directory) IDs() []int32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]int32, 0, len(d.byID))
	for id := range d.byID {
		ids = append(ids, id)
	}
	return ids
}

// SetNearest records the server-reported nearest datacenter
// (help.getNearestDc), used to pick a default active dc on first run.
func (d *Directory) SetNearest(id int32) {
	d.mu.Lock()
	d.nearest = id
	d.mu.Unlock()
}

// Nearest returns the previously recorded nearest datacenter, if any.
func (d *Directory) Nearest() (*Descriptor, bool) {
	d.mu.RLock()
	id := d.nearest
	d.mu.RUnlock()
	if id == 0 {
		return nil, false
	}
	return d.Get(id)
}
