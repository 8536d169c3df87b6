package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TurnStatus
		want     bool
	}{
		{TurnAccumulating, TurnProcessing, true},
		{TurnProcessing, TurnCommitting, true},
		{TurnCommitting, TurnComplete, true},
		{TurnAccumulating, TurnCommitting, false},
		{TurnAccumulating, TurnComplete, false},
		{TurnProcessing, TurnAccumulating, false},
		{TurnComplete, TurnProcessing, false},
		{TurnAccumulating, TurnSuperseded, true},
		{TurnProcessing, TurnSuperseded, true},
		{TurnCommitting, TurnSuperseded, true},
		{TurnSuperseded, TurnProcessing, false},
		{TurnSuperseded, TurnSuperseded, false},
		{TurnComplete, TurnSuperseded, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestLogicalTurn_Transition(t *testing.T) {
	turn := NewLogicalTurn(NewRawMessage("t1", "a1", "web", "u1", "hello"))
	assert.Equal(t, TurnAccumulating, turn.Status)

	require.NoError(t, turn.Transition(TurnProcessing))
	require.NoError(t, turn.Transition(TurnCommitting))
	require.NoError(t, turn.Transition(TurnComplete))

	err := turn.Transition(TurnSuperseded)
	require.Error(t, err)
	assert.Equal(t, ErrInvalidTransition, CodeOf(err))
}

func TestLogicalTurn_AppendOnlyWhileAccumulating(t *testing.T) {
	turn := NewLogicalTurn(NewRawMessage("t1", "a1", "web", "u1", "first"))
	require.NoError(t, turn.Append(NewRawMessage("t1", "a1", "web", "u1", "second")))
	assert.Len(t, turn.RawMessages, 2)

	require.NoError(t, turn.Transition(TurnProcessing))
	err := turn.Append(NewRawMessage("t1", "a1", "web", "u1", "late"))
	require.Error(t, err)
	assert.Equal(t, ErrInvalidTransition, CodeOf(err))

	turn.AddPending(NewRawMessage("t1", "a1", "web", "u1", "late"))
	assert.True(t, turn.HasPendingMessages())
	assert.Len(t, turn.RawMessages, 2)
}

func TestLogicalTurn_CommitPoint(t *testing.T) {
	turn := NewLogicalTurn(NewRawMessage("t1", "a1", "web", "u1", "hi"))

	turn.RecordSideEffect(SideEffectRecord{ToolName: "lookup", Class: SideEffectPure, Status: SideEffectExecuted})
	assert.False(t, turn.CommitPointReached, "PURE effects never raise the commit point")

	turn.RecordSideEffect(SideEffectRecord{ToolName: "notify", Class: SideEffectIdempotent, Status: SideEffectExecuted})
	assert.True(t, turn.CommitPointReached)
	assert.False(t, turn.HasIrreversibleSideEffect())

	turn.RecordSideEffect(SideEffectRecord{ToolName: "charge", Class: SideEffectIrreversible, Status: SideEffectStarted})
	assert.True(t, turn.HasIrreversibleSideEffect(),
		"a started IRREVERSIBLE record counts regardless of status")
}

func TestLogicalTurn_LastAtTracksNewestMessage(t *testing.T) {
	first := NewRawMessage("t1", "a1", "web", "u1", "a")
	turn := NewLogicalTurn(first)

	later := NewRawMessage("t1", "a1", "web", "u1", "b")
	later.Timestamp = first.Timestamp.Add(2 * time.Second)
	require.NoError(t, turn.Append(later))
	assert.Equal(t, later.Timestamp, turn.LastAt)
}

func TestSupersedeDecision_DiscardsWork(t *testing.T) {
	assert.True(t, SupersedeDecision{Action: ActionSupersede}.DiscardsWork())
	assert.True(t, SupersedeDecision{Action: ActionAbsorb, AbsorbStrategy: AbsorbRestartWithMerged}.DiscardsWork())
	assert.False(t, SupersedeDecision{Action: ActionAbsorb, AbsorbStrategy: AbsorbContinueWithAppended}.DiscardsWork())
	assert.False(t, SupersedeDecision{Action: ActionQueue}.DiscardsWork())
	assert.False(t, SupersedeDecision{Action: ActionForceComplete}.DiscardsWork())
}
