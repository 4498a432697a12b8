package wire

import "testing"

func TestStringRoundTripShort(t *testing.T) {
	s := NewSerializer()
	s.PutString([]byte("hello"))
	d := NewDeserializer(s.Bytes())
	got, err := d.FetchString()
	if err != nil {
		t.Fatalf("FetchString: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
	if d.Remaining() != 0 {
		t.Fatalf("expected fully consumed, remaining=%d", d.Remaining())
	}
}

func TestStringRoundTripLong(t *testing.T) {
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	s := NewSerializer()
	s.PutString(payload)
	if s.Bytes()[0] != 0xfe {
		t.Fatalf("expected long-form marker")
	}
	d := NewDeserializer(s.Bytes())
	got, err := d.FetchString()
	if err != nil {
		t.Fatalf("FetchString: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch", i)
		}
	}
}

func TestScalarRoundTrip(t *testing.T) {
	s := NewSerializer()
	s.PutInt32(-42)
	s.PutInt64(-9001)
	s.PutDouble(3.5)
	s.PutBool(true)
	s.PutBool(false)

	d := NewDeserializer(s.Bytes())
	if v, err := d.FetchInt32(); err != nil || v != -42 {
		t.Fatalf("int32: %v %v", v, err)
	}
	if v, err := d.FetchInt64(); err != nil || v != -9001 {
		t.Fatalf("int64: %v %v", v, err)
	}
	if v, err := d.FetchDouble(); err != nil || v != 3.5 {
		t.Fatalf("double: %v %v", v, err)
	}
	if v, err := d.FetchBool(); err != nil || v != true {
		t.Fatalf("bool true: %v %v", v, err)
	}
	if v, err := d.FetchBool(); err != nil || v != false {
		t.Fatalf("bool false: %v %v", v, err)
	}
}

func TestVectorRoundTrip(t *testing.T) {
	items := []int32{1, 2, 3, 4}
	s := NewSerializer()
	s.PutVector(len(items), func(i int) { s.PutInt32(items[i]) })

	d := NewDeserializer(s.Bytes())
	n, err := d.FetchVectorHeader()
	if err != nil {
		t.Fatalf("FetchVectorHeader: %v", err)
	}
	if n != len(items) {
		t.Fatalf("count mismatch: got %d want %d", n, len(items))
	}
	for i := 0; i < n; i++ {
		v, err := d.FetchInt32()
		if err != nil || v != items[i] {
			t.Fatalf("item %d: %v %v", i, v, err)
		}
	}
}

func TestBadConstructorRejected(t *testing.T) {
	s := NewSerializer()
	s.PutUint32(0xdeadbeef)
	d := NewDeserializer(s.Bytes())
	if err := d.ExpectConstructor(0x12345678); err == nil {
		t.Fatalf("expected ErrBadConstructor")
	}
}

func TestBackpatchLength(t *testing.T) {
	s := NewSerializer()
	pos := s.BeginLength()
	s.PutInt32(1)
	s.PutInt32(2)
	s.PatchLength(pos)

	d := NewDeserializer(s.Bytes())
	n, err := d.FetchUint32()
	if err != nil {
		t.Fatalf("FetchUint32: %v", err)
	}
	if n != 8 {
		t.Fatalf("patched length = %d, want 8", n)
	}
}

func TestSkipAdvancesWithoutDecoding(t *testing.T) {
	s := NewSerializer()
	s.PutString([]byte("routed-but-unneeded"))
	s.PutInt32(7)

	d := NewDeserializer(s.Bytes())
	if err := d.SkipString(); err != nil {
		t.Fatalf("SkipString: %v", err)
	}
	v, err := d.FetchInt32()
	if err != nil || v != 7 {
		t.Fatalf("int32 after skip: %v %v", v, err)
	}
}

func TestShortBufferDetected(t *testing.T) {
	d := NewDeserializer([]byte{1, 2})
	if _, err := d.FetchInt32(); err == nil {
		t.Fatalf("expected ErrShortBuffer")
	}
}
