package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProfiles() []Profile {
	return []Profile{
		{
			CallerID: DefaultCallerID,
			Tiers: []Tier{
				{BackendID: "local-small", Priority: 1},
				{BackendID: "hosted-large", Priority: 2, Escalation: true},
			},
		},
		{
			CallerID: "batch-agent",
			Tiers: []Tier{
				{BackendID: "hosted-large", Priority: 3, Escalation: true},
				{BackendID: "local-small", Priority: 1},
				{BackendID: "local-medium", Priority: 2},
			},
		},
	}
}

func TestResolveSortsTiersByPriority(t *testing.T) {
	r := NewResolver(testProfiles())

	p, err := r.Resolve("batch-agent")
	require.NoError(t, err)
	require.Len(t, p.Tiers, 3)
	assert.Equal(t, "local-small", p.Tiers[0].BackendID)
	assert.Equal(t, "local-medium", p.Tiers[1].BackendID)
	assert.Equal(t, "hosted-large", p.Tiers[2].BackendID)
}

func TestResolveFallsBackToDefault(t *testing.T) {
	r := NewResolver(testProfiles())

	p, err := r.Resolve("unknown-caller")
	require.NoError(t, err)
	assert.Equal(t, "unknown-caller", p.CallerID, "fallback keeps the caller's identity")
	assert.Equal(t, "local-small", p.Tiers[0].BackendID)
}

func TestResolveWithoutDefaultFails(t *testing.T) {
	r := NewResolver([]Profile{{CallerID: "only-one", Tiers: []Tier{{BackendID: "x", Priority: 1}}}})

	_, err := r.Resolve("someone-else")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "someone-else", notFound.CallerID)
}

func TestEscalationIndex(t *testing.T) {
	r := NewResolver(testProfiles())

	p, err := r.Resolve("batch-agent")
	require.NoError(t, err)
	assert.Equal(t, 2, p.EscalationIndex(), "escalation tier sits last after sorting")

	noEscalation := Profile{Tiers: []Tier{{BackendID: "a", Priority: 1}}}
	assert.Equal(t, -1, noEscalation.EscalationIndex())
}

func TestReplaceSwapsProfiles(t *testing.T) {
	r := NewResolver(testProfiles())
	r.Replace([]Profile{
		{CallerID: "batch-agent", Tiers: []Tier{{BackendID: "solo", Priority: 1}}},
	})

	p, err := r.Resolve("batch-agent")
	require.NoError(t, err)
	require.Len(t, p.Tiers, 1)
	assert.Equal(t, "solo", p.Tiers[0].BackendID)

	_, err = r.Resolve("anyone")
	assert.Error(t, err, "default profile was not part of the replacement")
}
