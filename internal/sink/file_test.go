package sink

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interlab/experiment-coordinator/internal/telemetry"
)

func newTestSink(t *testing.T) (*FileSink, string) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewFileSink(dir, logger, telemetry.Nop{})
	require.NoError(t, err)
	return s, dir
}

func TestFileSink_AppendParticipantData(t *testing.T) {
	s, dir := newTestSink(t)

	s.AppendParticipantData("survey", "p1", map[string]any{"q1": "yes"})
	s.AppendParticipantData("survey", "p2", map[string]any{"q1": "no"})
	s.Close()

	data, err := os.ReadFile(filepath.Join(dir, "survey.participant.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "p1", first["participant_id"])
	assert.Equal(t, map[string]any{"q1": "yes"}, first["record"])
}

func TestFileSink_MatchAssignmentLog(t *testing.T) {
	s, dir := newTestSink(t)

	s.WriteMatchAssignment("arena", map[string]any{"group_id": "g1", "members": []string{"a", "b"}})
	s.Close()

	data, err := os.ReadFile(filepath.Join(dir, "arena.matches.jsonl"))
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &rec))
	assert.Equal(t, "g1", rec["group_id"])
}

func TestFileSink_SessionMetadataLastWriteWins(t *testing.T) {
	s, dir := newTestSink(t)

	s.WriteSessionMetadata("sess1", map[string]any{"partial": false})
	s.WriteSessionMetadata("sess1", map[string]any{"partial": true})
	s.Close()

	data, err := os.ReadFile(filepath.Join(dir, "sessions", "sess1.json"))
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, true, rec["partial"])
}

func TestFileSink_CloseDrainsQueue(t *testing.T) {
	s, dir := newTestSink(t)

	for i := 0; i < 100; i++ {
		s.AppendParticipantData("bulk", "p", map[string]any{"i": i})
	}
	s.Close()

	data, err := os.ReadFile(filepath.Join(dir, "bulk.participant.jsonl"))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 100)
}
