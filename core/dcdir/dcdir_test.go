package dcdir

import "testing"

func validDescriptor(id int32) *Descriptor {
	return &Descriptor{
		ID: id,
		Addresses: map[Transport][]string{
			TransportTCPv4: {"149.154.167.51:443"},
		},
	}
}

func TestWellFormedAccepted(t *testing.T) {
	if err := IsWellFormed(validDescriptor(2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMissingAddressesRejected(t *testing.T) {
	d := &Descriptor{ID: 2}
	if err := IsWellFormed(d); err == nil {
		t.Fatalf("expected error for missing addresses")
	}
}

func TestIPVersionMismatchRejected(t *testing.T) {
	d := &Descriptor{
		ID: 2,
		Addresses: map[Transport][]string{
			TransportTCPv6: {"149.154.167.51:443"},
		},
	}
	if err := IsWellFormed(d); err == nil {
		t.Fatalf("expected IP version mismatch error")
	}
}

func TestDirectoryUpdateAndGet(t *testing.T) {
	dir, err := New([]*Descriptor{validDescriptor(2)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := dir.Get(2); !ok {
		t.Fatalf("expected dc 2 present")
	}
	if _, ok := dir.Get(4); ok {
		t.Fatalf("expected dc 4 absent")
	}

	updated := validDescriptor(2)
	updated.MediaOnly = true
	if err := dir.Update(updated); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := dir.Get(2)
	if !got.MediaOnly {
		t.Fatalf("expected update to take effect")
	}
}

func TestNearestUnsetByDefault(t *testing.T) {
	dir, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := dir.Nearest(); ok {
		t.Fatalf("expected no nearest dc before SetNearest")
	}
	dir.byID[5] = validDescriptor(5)
	dir.SetNearest(5)
	desc, ok := dir.Nearest()
	if !ok || desc.ID != 5 {
		t.Fatalf("expected nearest dc 5, got %v ok=%v", desc, ok)
	}
}
