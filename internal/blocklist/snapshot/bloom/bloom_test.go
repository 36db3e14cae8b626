package bloom

import (
	"fmt"
	"testing"
)

func TestFactory_New_Basic(t *testing.T) {
	bf := NewFactory().New(128, 0.01)
	if bf == nil {
		t.Fatalf("expected non-nil bloom filter")
	}
	key := []byte("=example.com")
	if bf.MightContain(key) {
		t.Fatalf("unexpected positive before add")
	}
	bf.Add(key)
	if !bf.MightContain(key) {
		t.Fatalf("expected maybe after add")
	}
}

func TestFactory_New_Defaults(t *testing.T) {
	bf := NewFactory().New(0, 0)
	key := []byte("*default-case.test")
	bf.Add(key)
	if !bf.MightContain(key) {
		t.Fatalf("expected maybe after add with default-sized bloom")
	}
}

func TestFactory_NoFalseNegatives(t *testing.T) {
	const n = 5000
	bf := NewFactory().New(n, 0.001)
	for i := 0; i < n; i++ {
		bf.Add([]byte(fmt.Sprintf("host-%d.example.com", i)))
	}
	for i := 0; i < n; i++ {
		if !bf.MightContain([]byte(fmt.Sprintf("host-%d.example.com", i))) {
			t.Fatalf("false negative for key %d", i)
		}
	}
	fp := 0
	for i := 0; i < n; i++ {
		if bf.MightContain([]byte(fmt.Sprintf("other-%d.example.org", i))) {
			fp++
		}
	}
	if fp > n/50 {
		t.Fatalf("false positive count %d far above the 0.1%% target", fp)
	}
}

func TestSizer_Size(t *testing.T) {
	s := NewSizer()
	tests := []struct {
		n     uint64
		p     float64
		wantM uint64
		wantK uint8
	}{
		{1000, 0.01, 9586, 7},
		{0, 0.01, 10, 7},
		{1000, 0, 9586, 7},
		{1000, 1.5, 9586, 7},
		{1, 0.5, 2, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d,p=%g", tt.n, tt.p), func(t *testing.T) {
			m, k := s.Size(tt.n, tt.p)
			if m != tt.wantM || k != tt.wantK {
				t.Fatalf("Size(%d, %g) = (%d, %d), want (%d, %d)", tt.n, tt.p, m, k, tt.wantM, tt.wantK)
			}
		})
	}
}

func TestNop(t *testing.T) {
	var f Filter = Nop{}
	f.Add([]byte("x"))
	if !f.MightContain([]byte("anything")) {
		t.Fatal("Nop filter must always answer maybe")
	}
}

func BenchmarkFilter_MightContain(b *testing.B) {
	bf := NewFactory().New(100000, 0.01)
	for i := 0; i < 100000; i++ {
		bf.Add([]byte(fmt.Sprintf("host-%d.example.com", i)))
	}
	key := []byte("host-4242.example.com")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bf.MightContain(key)
	}
}
