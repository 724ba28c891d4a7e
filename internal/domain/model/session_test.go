package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGraph() []SceneSpec {
	return []SceneSpec{
		{SceneID: "intro", Kind: SceneStatic},
		{SceneID: "play", Kind: SceneGym, GroupSize: 2},
		{SceneID: "outro", Kind: SceneStatic},
	}
}

func TestNewSessionID_UniqueAndURLSafe(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewSessionID()
		assert.Len(t, id, 22, "16 bytes base64url without padding")
		assert.NotContains(t, id, "=")
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestSession_CurrentScene(t *testing.T) {
	s := NewSession("p1", testGraph())
	require.NotNil(t, s.CurrentScene())
	assert.Equal(t, "intro", s.CurrentScene().SceneID)

	s.SceneIndex = 2
	assert.Equal(t, "outro", s.CurrentScene().SceneID)
	assert.True(t, s.OnFinalScene())

	s.SceneIndex = 3
	assert.Nil(t, s.CurrentScene())
}

func TestSession_GraphIsCloned(t *testing.T) {
	graph := testGraph()
	s := NewSession("p1", graph)
	graph[0].SceneID = "mutated"
	assert.Equal(t, "intro", s.SceneGraph[0].SceneID)
}

func TestSceneSpec_ValidateProbeGroupSize(t *testing.T) {
	spec := SceneSpec{SceneID: "s", Kind: SceneGym, GroupSize: 4, ProbeRequired: true}
	assert.Error(t, spec.Validate())

	spec.GroupSize = 2
	assert.NoError(t, spec.Validate())
}

func TestSceneSpec_ApplyDefaults(t *testing.T) {
	spec := SceneSpec{SceneID: "s", Kind: SceneGym, GroupSize: 2}
	spec.ApplyDefaults()

	assert.Equal(t, DefaultWaitroomMaxWait, spec.WaitroomMaxWait)
	assert.Equal(t, DefaultCountdownSeconds, spec.CountdownSeconds)
	assert.Equal(t, DefaultTickRate, spec.TickRate)
	assert.Equal(t, DefaultHashSamplingEvery, spec.HashSamplingEvery)
	assert.Equal(t, DefaultGameGraceSeconds, spec.GraceSeconds)
	assert.Equal(t, PopulatePrevious, spec.ActionPopulation)
	assert.Equal(t, 1, spec.Episodes)

	static := SceneSpec{SceneID: "i", Kind: SceneStatic}
	static.ApplyDefaults()
	assert.Equal(t, DefaultGraceSeconds, static.GraceSeconds)
}

func TestPlayerGroup_IndexByArrivalOrder(t *testing.T) {
	g := NewPlayerGroup("s", []*WaitingEntry{
		{ParticipantID: "a"},
		{ParticipantID: "b"},
	})
	assert.Equal(t, 0, g.PlayerIndex("a"))
	assert.Equal(t, 1, g.PlayerIndex("b"))
	assert.Equal(t, -1, g.PlayerIndex("c"))
}
