package api

import (
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(max int) (*submissionLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := newSubmissionLimiter(max)
	rl.now = clock.now
	return rl, clock
}

func TestSubmissionLimiterAllowsBeforeThreshold(t *testing.T) {
	rl, _ := newTestLimiter(5)
	for i := 0; i < 4; i++ {
		rl.record("192.0.2.1")
		blocked, _ := rl.check("192.0.2.1")
		assert.False(t, blocked)
	}
}

func TestSubmissionLimiterBlocksAtThreshold(t *testing.T) {
	rl, clock := newTestLimiter(3)
	for i := 0; i < 3; i++ {
		rl.record("192.0.2.1")
	}

	blocked, retryAfter := rl.check("192.0.2.1")
	require.True(t, blocked)
	assert.Equal(t, baseLockout, retryAfter)

	other, _ := rl.check("192.0.2.2")
	assert.False(t, other, "other addresses are unaffected")

	clock.advance(baseLockout + time.Second)
	blocked, _ = rl.check("192.0.2.1")
	assert.False(t, blocked, "lockout expires")
}

func TestSubmissionLimiterExponentialLockout(t *testing.T) {
	rl, _ := newTestLimiter(2)
	rl.record("192.0.2.1")
	rl.record("192.0.2.1")
	_, first := rl.check("192.0.2.1")

	rl.record("192.0.2.1")
	_, second := rl.check("192.0.2.1")
	assert.Equal(t, 2*first, second)

	for i := 0; i < 20; i++ {
		rl.record("192.0.2.1")
	}
	_, capped := rl.check("192.0.2.1")
	assert.Equal(t, maxLockout, capped)
}

func TestSubmissionLimiterForgetsAfterExpiry(t *testing.T) {
	rl, clock := newTestLimiter(2)
	rl.record("192.0.2.1")
	clock.advance(attemptExpiry + time.Minute)
	rl.record("192.0.2.1")

	blocked, _ := rl.check("192.0.2.1")
	assert.False(t, blocked, "the first submission expired before the second")
}

func TestSubmissionLimiterSweep(t *testing.T) {
	rl, clock := newTestLimiter(5)
	rl.record("192.0.2.1")
	clock.advance(30 * time.Minute)
	rl.record("192.0.2.2")
	clock.advance(31 * time.Minute)

	rl.sweep()
	assert.NotContains(t, rl.attempts, "192.0.2.1")
	assert.Contains(t, rl.attempts, "192.0.2.2")
}

func TestSubmissionLimiterDisabled(t *testing.T) {
	rl, _ := newTestLimiter(0)
	for i := 0; i < 100; i++ {
		rl.record("192.0.2.1")
	}
	blocked, _ := rl.check("192.0.2.1")
	assert.False(t, blocked)
	assert.Empty(t, rl.attempts)

	var nilLimiter *submissionLimiter
	nilLimiter.record("192.0.2.1")
	nilLimiter.sweep()
	blocked, _ = nilLimiter.check("192.0.2.1")
	assert.False(t, blocked)
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(300*time.Millisecond))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}

func TestExtractClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		proxies []netip.Prefix
		want    string
	}{
		{name: "remote addr", remote: "192.0.2.1:5555", want: "192.0.2.1"},
		{name: "ipv6 remote", remote: "[2001:db8::1]:5555", want: "2001:db8::1"},
		{
			name:    "untrusted proxy headers ignored",
			remote:  "192.0.2.1:5555",
			headers: map[string]string{"X-Forwarded-For": "198.51.100.7"},
			want:    "192.0.2.1",
		},
		{
			name:    "trusted proxy x-forwarded-for",
			remote:  "10.1.2.3:5555",
			headers: map[string]string{"X-Forwarded-For": "garbage, 198.51.100.7, 10.1.2.3"},
			proxies: trusted,
			want:    "198.51.100.7",
		},
		{
			name:    "trusted proxy forwarded",
			remote:  "10.1.2.3:5555",
			headers: map[string]string{"Forwarded": `for="[2001:db8::2]:4711";proto=https`},
			proxies: trusted,
			want:    "2001:db8::2",
		},
		{
			name:    "trusted proxy x-real-ip",
			remote:  "10.1.2.3:5555",
			headers: map[string]string{"X-Real-IP": "198.51.100.9"},
			proxies: trusted,
			want:    "198.51.100.9",
		},
		{
			name:    "trusted proxy without headers",
			remote:  "10.1.2.3:5555",
			proxies: trusted,
			want:    "10.1.2.3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := http.NewRequest(http.MethodPut, "/", nil)
			require.NoError(t, err)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, tt.proxies))
		})
	}
}

func TestParseIPCandidateDropsZone(t *testing.T) {
	ip, ok := parseIPCandidate("fe80::1%eth0")
	require.True(t, ok)
	assert.Equal(t, "fe80::1", ip)

	_, ok = parseIPCandidate("unknown")
	assert.False(t, ok)
}
