package sink

// DataSink is the pluggable persistence collaborator. All three operations
// are fire-and-forget from the caller's point of view: implementations must
// never block a game tick on storage I/O.
type DataSink interface {
	// AppendParticipantData appends one record to the per-scene participant
	// data log (JSON lines).
	AppendParticipantData(sceneID, participantID string, record map[string]any)

	// WriteMatchAssignment appends one formed-group record to the per-scene
	// assignment log, the researcher's primary audit artifact.
	WriteMatchAssignment(sceneID string, groupRecord any)

	// WriteSessionMetadata persists session metadata, last write wins.
	WriteSessionMetadata(sessionID string, metadata any)
}

// Discard drops everything; used in tests.
type Discard struct{}

func (Discard) AppendParticipantData(string, string, map[string]any) {}
func (Discard) WriteMatchAssignment(string, any)                     {}
func (Discard) WriteSessionMetadata(string, any)                     {}
