package window

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemberRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		point  Point
		member string
	}{
		{"normal", Point{Timestamp: 1700000000, Value: 42.5}, "1700000000|42.5"},
		{"anomaly", Point{Timestamp: 1700000060, Anomalous: true}, "1700000060|ANOMALY"},
		{"negative value", Point{Timestamp: 60, Value: -1}, "60|-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.member, tt.point.Member())
			p, err := ParseMember(tt.member)
			require.NoError(t, err)
			assert.Equal(t, tt.point, p)
		})
	}
}

func TestParseMemberRejectsGarbage(t *testing.T) {
	for _, m := range []string{"", "|", "abc|1", "60", "60|notanumber"} {
		_, err := ParseMember(m)
		assert.Error(t, err, "member %q", m)
	}
}

func TestMemoryStoreRangeOps(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	key := "window.1.abc"

	for ts := int64(60); ts <= 300; ts += 60 {
		anomalous := ts == 120 || ts == 240
		require.NoError(t, s.Add(ctx, key, Point{Timestamp: ts, Value: float64(ts), Anomalous: anomalous}, time.Hour))
	}

	pts, err := s.Members(ctx, key, 120, 240)
	require.NoError(t, err)
	require.Len(t, pts, 3)
	assert.True(t, pts[0].Anomalous)
	assert.False(t, pts[1].Anomalous)
	assert.True(t, pts[2].Anomalous)

	n, err := s.Size(ctx, key, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	require.NoError(t, s.Trim(ctx, key, 180))
	n, _ = s.Size(ctx, key, 0, 1000)
	assert.Equal(t, int64(3), n)
}

func TestDeduplicatorOverlapWindow(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDeduplicator()
	group := "g-1"

	// first sighting at t=45 inside bucket [0,60)
	seen, err := d.Seen(ctx, group, "abc.45", 45)
	require.NoError(t, err)
	assert.False(t, seen)
	require.NoError(t, d.Mark(ctx, group, "abc.45", 45))

	// the same record re-delivered by the overlapping pull is a duplicate
	seen, err = d.Seen(ctx, group, "abc.45", 45)
	require.NoError(t, err)
	assert.True(t, seen)

	// a different series at the same timestamp is not
	seen, err = d.Seen(ctx, group, "def.45", 45)
	require.NoError(t, err)
	assert.False(t, seen)
}
