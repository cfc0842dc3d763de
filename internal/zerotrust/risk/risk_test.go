package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestAssessor() *Assessor {
	return NewAssessor(DefaultConfig()).WithClock(func() time.Time { return testNow })
}

// freshIdentity has full trust and a just-completed verification, so it
// contributes zero points.
func freshIdentity() types.Identity {
	return types.Identity{ID: "alice", TrustScore: 1.0, LastVerifiedAt: testNow}
}

func trustedDevice() types.Device {
	return types.Device{ID: "laptop-1", OwnerIdentityID: "alice", TrustLevel: types.TrustTrusted}
}

func TestLevelForScore_Boundaries(t *testing.T) {
	cases := []struct {
		score int
		want  types.RiskLevel
	}{
		{0, types.RiskLow},
		{40, types.RiskLow},
		{41, types.RiskMedium},
		{70, types.RiskMedium},
		{71, types.RiskHigh},
		{100, types.RiskHigh},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, LevelForScore(tc.score), "score %d", tc.score)
	}
}

func TestAssess_CleanRequestScoresZero(t *testing.T) {
	res := newTestAssessor().Assess(freshIdentity(), trustedDevice(), types.RequestContext{})
	assert.Equal(t, 0, res.Score)
	assert.Equal(t, types.RiskLow, res.Level)
	assert.Empty(t, res.Factors)
}

func TestAssess_DeviceContributions(t *testing.T) {
	a := newTestAssessor()

	untrusted := trustedDevice()
	untrusted.TrustLevel = types.TrustUntrusted
	res := a.Assess(freshIdentity(), untrusted, types.RequestContext{})
	assert.Equal(t, 30, res.Score)
	assert.Equal(t, types.RiskLow, res.Level)

	provisional := trustedDevice()
	provisional.TrustLevel = types.TrustProvisional
	res = a.Assess(freshIdentity(), provisional, types.RequestContext{})
	assert.Equal(t, 15, res.Score)
}

func TestAssess_QuarantineForcesHigh(t *testing.T) {
	dev := trustedDevice()
	dev.TrustLevel = types.TrustQuarantined

	// Every other signal is clean: numeric score stays 0 but the level is
	// forced to high.
	res := newTestAssessor().Assess(freshIdentity(), dev, types.RequestContext{})
	assert.Equal(t, 0, res.Score)
	assert.Equal(t, types.RiskHigh, res.Level)
}

func TestAssess_StalenessScalesLinearly(t *testing.T) {
	a := newTestAssessor()
	dev := trustedDevice()

	id := freshIdentity()
	id.LastVerifiedAt = testNow.Add(-12 * time.Hour) // half the 24h TTL
	res := a.Assess(id, dev, types.RequestContext{})
	assert.Equal(t, 15, res.Score)

	id.LastVerifiedAt = testNow.Add(-24 * time.Hour)
	res = a.Assess(id, dev, types.RequestContext{})
	assert.Equal(t, 30, res.Score)

	// Way past the TTL caps at the max, it does not keep growing.
	id.LastVerifiedAt = testNow.Add(-30 * 24 * time.Hour)
	res = a.Assess(id, dev, types.RequestContext{})
	assert.Equal(t, 30, res.Score)
}

func TestAssess_NeverVerifiedGetsFullStalenessPenalty(t *testing.T) {
	id := types.Identity{ID: "bob", TrustScore: 1.0}
	res := newTestAssessor().Assess(id, trustedDevice(), types.RequestContext{})
	assert.Equal(t, 30, res.Score)
}

func TestAssess_LowTrustPenalty(t *testing.T) {
	id := freshIdentity()
	id.TrustScore = 0.2
	res := newTestAssessor().Assess(id, trustedDevice(), types.RequestContext{})
	assert.Equal(t, 20, res.Score) // (1 - 0.2) * 25
}

func TestAssess_ContextAnomalies(t *testing.T) {
	a := newTestAssessor()

	res := a.Assess(freshIdentity(), trustedDevice(), types.RequestContext{GeoAnomaly: true})
	assert.Equal(t, 20, res.Score)

	res = a.Assess(freshIdentity(), trustedDevice(), types.RequestContext{
		GeoAnomaly:     true,
		NetworkAnomaly: true,
	})
	assert.Equal(t, 40, res.Score)
	assert.Equal(t, types.RiskLow, res.Level) // 40 is still low, exactly
}

func TestAssess_ClampsAtHundred(t *testing.T) {
	id := types.Identity{ID: "mallory", TrustScore: 0} // never verified, zero trust
	dev := trustedDevice()
	dev.TrustLevel = types.TrustUntrusted

	res := newTestAssessor().Assess(id, dev, types.RequestContext{
		GeoAnomaly:     true,
		NetworkAnomaly: true,
	})
	// 30 + 25 + 30 + 20 + 20 = 125, clamped.
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, types.RiskHigh, res.Level)
}

func TestAssess_FactorsCarryContributions(t *testing.T) {
	id := freshIdentity()
	id.TrustScore = 0.5
	res := newTestAssessor().Assess(id, trustedDevice(), types.RequestContext{GeoAnomaly: true})

	require.Len(t, res.Factors, 2)
	names := []string{res.Factors[0].Name, res.Factors[1].Name}
	assert.Contains(t, names, "identity_trust")
	assert.Contains(t, names, "geo_anomaly")
}
