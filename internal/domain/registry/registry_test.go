package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interlab/experiment-coordinator/internal/domain/model"
)

func gymScene(id string) []model.SceneSpec {
	return []model.SceneSpec{{SceneID: id, Kind: model.SceneGym, GroupSize: 2}}
}

func TestRegistry_SessionBindingIsImmutable(t *testing.T) {
	r := New()
	first := model.NewSession("p1", gymScene("s"))
	require.True(t, r.PutSession(first))

	second := model.NewSession("p1", gymScene("s"))
	assert.False(t, r.PutSession(second), "one session per participant")

	got, ok := r.SessionByParticipant("p1")
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID)
}

func TestRegistry_DeleteSessionFreesBinding(t *testing.T) {
	r := New()
	s := model.NewSession("p1", gymScene("s"))
	require.True(t, r.PutSession(s))

	r.DeleteSession(s.ID)
	_, ok := r.SessionByParticipant("p1")
	assert.False(t, ok)
	assert.True(t, r.PutSession(model.NewSession("p1", gymScene("s"))))
}

func TestRegistry_MutateSession(t *testing.T) {
	r := New()
	s := model.NewSession("p1", gymScene("s"))
	require.True(t, r.PutSession(s))

	ok := r.MutateSession("p1", func(s *model.Session) {
		s.Metadata.Partial = true
	})
	require.True(t, ok)

	got, _ := r.Session(s.ID)
	assert.True(t, got.Metadata.Partial)

	assert.False(t, r.MutateSession("ghost", func(*model.Session) {}))
}

func TestRegistry_GameMemberDisjointness(t *testing.T) {
	r := New()
	groupAB := model.NewPlayerGroup("s", []*model.WaitingEntry{
		{ParticipantID: "a"}, {ParticipantID: "b"},
	})
	g1 := model.NewGame("s", groupAB, 42)
	require.True(t, r.PutGame(g1))

	groupBC := model.NewPlayerGroup("s", []*model.WaitingEntry{
		{ParticipantID: "b"}, {ParticipantID: "c"},
	})
	g2 := model.NewGame("s", groupBC, 43)
	assert.False(t, r.PutGame(g2), "b is already in an active game")

	got, ok := r.GameByMember("b")
	require.True(t, ok)
	assert.Equal(t, g1.ID, got.ID)
}

func TestRegistry_DeleteGameFreesMembers(t *testing.T) {
	r := New()
	group := model.NewPlayerGroup("s", []*model.WaitingEntry{
		{ParticipantID: "a"}, {ParticipantID: "b"},
	})
	g := model.NewGame("s", group, 42)
	require.True(t, r.PutGame(g))

	r.DeleteGame(g.ID)
	_, ok := r.GameByMember("a")
	assert.False(t, ok)

	again := model.NewGame("s", group, 44)
	assert.True(t, r.PutGame(again))
}

func TestRegistry_PutParticipantOnce(t *testing.T) {
	r := New()
	assert.True(t, r.PutParticipant(model.NewParticipant("p1")))
	assert.False(t, r.PutParticipant(model.NewParticipant("p1")))
	assert.Equal(t, 1, r.ParticipantCount())
}
