package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActive(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		want bool
	}{
		{"empty", Rule{}, false},
		{"block", Rule{BlockAll: true}, true},
		{"dl limit", Rule{LimitDownload: true, DownloadKbps: 100}, true},
		{"ul limit", Rule{LimitUpload: true, UploadKbps: 50}, true},
		{"limit flag without rate", Rule{LimitDownload: true}, false},
		{"rate without limit flag", Rule{DownloadKbps: 100}, false},
		{"adaptive alone", Rule{Adaptive: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.Active())
		})
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := NewStore()
	r := Rule{LimitDownload: true, DownloadKbps: 100}
	s.Put(42, r)

	got, ok := s.Get(42)
	require.True(t, ok)
	assert.Equal(t, r, got)
}

func TestPutInactiveRemoves(t *testing.T) {
	s := NewStore()
	s.Put(42, Rule{BlockAll: true})
	s.Put(42, Rule{})

	_, ok := s.Get(42)
	assert.False(t, ok)
}

func TestRemoveDropsBuckets(t *testing.T) {
	s := NewStore()
	s.Put(42, Rule{LimitDownload: true, DownloadKbps: 100, LimitUpload: true, UploadKbps: 100})

	require.NotNil(t, s.ProcessBucket(42, Download, 100*1024))
	require.NotNil(t, s.ProcessBucket(42, Upload, 100*1024))
	require.True(t, s.HasBuckets(42))

	s.Put(42, Rule{})
	assert.False(t, s.HasBuckets(42))
}

func TestPutMany(t *testing.T) {
	s := NewStore()
	r := Rule{BlockAll: true}
	s.PutMany([]uint32{1, 2, 3}, r)

	for _, pid := range []uint32{1, 2, 3} {
		got, ok := s.Get(pid)
		require.True(t, ok, "pid %d", pid)
		assert.Equal(t, r, got)
	}
	assert.Len(t, s.PIDs(), 3)
}

func TestGlobalRule(t *testing.T) {
	s := NewStore()
	assert.False(t, s.Global().Active(), "default global rule must be inert")

	r := Rule{LimitUpload: true, UploadKbps: 200}
	s.SetGlobal(r)
	assert.Equal(t, r, s.Global())
}

func TestProcessBucketLazyAndRetuned(t *testing.T) {
	s := NewStore()
	s.Put(7, Rule{LimitDownload: true, DownloadKbps: 100})

	b1 := s.ProcessBucket(7, Download, 1000)
	require.NotNil(t, b1)
	b2 := s.ProcessBucket(7, Download, 500)
	assert.Same(t, b1, b2, "bucket must be reused, not recreated")
	assert.Equal(t, 500.0, b2.Rate())

	assert.Nil(t, s.ProcessBucket(99, Download, 1000), "no rule, no bucket")
}

func TestGlobalBucketLazy(t *testing.T) {
	s := NewStore()
	b := s.GlobalBucket(Upload, 2048)
	require.NotNil(t, b)
	assert.Same(t, b, s.GlobalBucket(Upload, 2048))
}

func TestSetAdjusted(t *testing.T) {
	s := NewStore()
	s.Put(5, Rule{Adaptive: true, LimitDownload: true, DownloadKbps: 100})

	s.SetAdjusted(5, Download, 50_000)
	r, ok := s.Get(5)
	require.True(t, ok)
	assert.Equal(t, 50_000.0, r.AdjustedDownload)
	assert.Equal(t, 50_000.0, r.EffectiveRate(Download))

	// Adjusted rate is ignored once adaptive is off.
	r.Adaptive = false
	assert.Equal(t, float64(100*1024), r.EffectiveRate(Download))

	// Writing to a removed rule is a no-op.
	s.SetAdjusted(99, Download, 1)
}

func TestEffectiveRateFallsBackToTarget(t *testing.T) {
	r := Rule{Adaptive: true, LimitUpload: true, UploadKbps: 10}
	assert.Equal(t, float64(10*1024), r.EffectiveRate(Upload), "no adjusted rate yet")
}
