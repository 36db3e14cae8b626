package snapshot

import (
	"net/netip"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/snapshot/bloom"
)

func ipEntry(t *testing.T, cidr, source string) domain.Entry {
	t.Helper()
	r, err := domain.NewIPRule(netip.MustParsePrefix(cidr))
	require.NoError(t, err)
	return domain.Entry{Rule: r, Tags: []domain.ProvenanceTag{{SourceID: source, Line: 1}}}
}

func nameEntry(t *testing.T, name string, suffix bool, source string) domain.Entry {
	t.Helper()
	r, err := domain.NewDomainRule(name, suffix)
	require.NoError(t, err)
	return domain.Entry{Rule: r, Tags: []domain.ProvenanceTag{{SourceID: source, Line: 1}}}
}

func testSnapshot(t *testing.T, filters bloom.Factory) *Snapshot {
	t.Helper()
	entries := []domain.Entry{
		ipEntry(t, "10.0.0.0/8", "a"),
		ipEntry(t, "10.1.0.0/16", "b"),
		ipEntry(t, "192.168.0.0/16", "a"),
		ipEntry(t, "2001:db8::/32", "b"),
		nameEntry(t, "example.com", true, "a"),
		nameEntry(t, "ads.tracker.net", false, "b"),
		nameEntry(t, "tracker.net", true, "c"),
	}
	return New(entries, Options{Generation: 7, BuiltAt: time.Unix(100, 0), FPRate: 0.01, Filters: filters})
}

func TestSnapshot_Query(t *testing.T) {
	for name, filters := range map[string]bloom.Factory{"bloom": bloom.NewFactory(), "nofilter": nil} {
		t.Run(name, func(t *testing.T) {
			s := testSnapshot(t, filters)

			tests := []struct {
				probe   string
				matched bool
				rule    string
			}{
				{"192.168.5.10", true, "192.168.0.0/16"},
				{"10.1.2.3", true, "10.1.0.0/16"},
				{"10.2.2.3", true, "10.0.0.0/8"},
				{"::ffff:10.2.2.3", true, "10.0.0.0/8"},
				{"2001:db8::1", true, "2001:db8::/32"},
				{"172.16.0.1", false, ""},
				{"example.com", true, "*.example.com"},
				{"shop.example.com", true, "*.example.com"},
				{"a.b.example.com", true, "*.example.com"},
				{"notexample.com", false, ""},
				{"ads.tracker.net", true, "ads.tracker.net"},
				{"x.ads.tracker.net", true, "*.tracker.net"},
				{"example.org", false, ""},
			}
			for _, tt := range tests {
				p, err := domain.ParseProbe(tt.probe)
				require.NoError(t, err)
				res := s.Query(p)
				assert.Equal(t, tt.matched, res.Matched, tt.probe)
				assert.Equal(t, uint64(7), res.Generation, tt.probe)
				if tt.matched {
					assert.Equal(t, tt.rule, res.Rule.String(), tt.probe)
					assert.NotEmpty(t, res.Sources, tt.probe)
				}
			}
		})
	}
}

func TestSnapshot_QueryReturnsCopyOfTags(t *testing.T) {
	s := testSnapshot(t, bloom.NewFactory())
	p, _ := domain.ParseProbe("192.168.1.1")
	res := s.Query(p)
	require.True(t, res.Matched)
	res.Sources[0].SourceID = "mutated"

	again := s.Query(p)
	assert.Equal(t, "a", again.Sources[0].SourceID)
}

func TestSnapshot_Stats(t *testing.T) {
	s := testSnapshot(t, bloom.NewFactory())
	st := s.Stats()
	assert.Equal(t, 7, st.Rules)
	assert.Equal(t, 3, st.IPv4)
	assert.Equal(t, 1, st.IPv6)
	assert.Equal(t, 1, st.Exact)
	assert.Equal(t, 2, st.Suffix)
	assert.Equal(t, map[string]int{"a": 3, "b": 3, "c": 1}, st.Sources)
	assert.Equal(t, []string{"a", "b", "c"}, s.SourceIDs())

	st.Sources["a"] = 99
	assert.Equal(t, 3, s.Stats().Sources["a"])
}

func TestSnapshot_RulesBySource(t *testing.T) {
	s := testSnapshot(t, nil)
	rules := s.RulesBySource("b")
	require.Len(t, rules, 3)
	for _, e := range rules {
		assert.True(t, e.HasSource("b"))
	}
	assert.Empty(t, s.RulesBySource("missing"))
}

func TestSnapshot_NilAndEmpty(t *testing.T) {
	var s *Snapshot
	assert.True(t, s.Empty())
	assert.Equal(t, uint64(0), s.Generation())
	assert.False(t, s.Query(domain.Probe{Name: "example.com"}).Matched)
	assert.Nil(t, s.Entries())

	empty := New(nil, Options{Generation: 1, Filters: bloom.NewFactory()})
	assert.True(t, empty.Empty())
	res := empty.Query(domain.ProbeFromAddr(netip.MustParseAddr("1.2.3.4")))
	assert.False(t, res.Matched)
	assert.Equal(t, uint64(1), res.Generation)
}

func BenchmarkSnapshot_LookupDomainMiss(b *testing.B) {
	entries := make([]domain.Entry, 0, 10000)
	for i := 0; i < 10000; i++ {
		r, _ := domain.NewDomainRule("host"+strconv.Itoa(i)+".example.com", false)
		entries = append(entries, domain.Entry{Rule: r})
	}
	s := New(entries, Options{Filters: bloom.NewFactory(), FPRate: 0.01})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.LookupDomain("www.unrelated.example.org")
	}
}
