package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlab/agentlab/internal/acp"
)

// applyAll runs envelopes through a fresh translator+accumulator pair and
// returns both, sequences assigned in order starting at 0.
func applyAll(envs []*acp.Envelope) (*Translator, *Accumulator) {
	tr := NewTranslator()
	acc := NewAccumulator()
	for i, env := range envs {
		for _, ev := range tr.Translate(int64(i), env) {
			acc.Apply(ev)
		}
	}
	return tr, acc
}

func TestAccumulatorPlainText(t *testing.T) {
	_, acc := applyAll([]*acp.Envelope{
		userEnv(t, "hello"),
		chunkEnv(t, "Hi "),
		chunkEnv(t, "there."),
		resultEnv(t, acp.StopReasonEndTurn),
	})

	msgs := acc.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Parts[0].Text)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].Parts, 1)
	assert.Equal(t, "Hi there.", msgs[1].Parts[0].Text)
}

func TestAccumulatorToolMergesIntoAssistantMessage(t *testing.T) {
	_, acc := applyAll([]*acp.Envelope{
		chunkEnv(t, "Let me look. "),
		toolCallEnv(t, "t1", "Read file", "Read"),
		toolUpdateEnv(t, "t1", "completed", "contents"),
	})

	msgs := acc.Messages()
	require.Len(t, msgs, 1)
	parts := msgs[0].Parts
	require.Len(t, parts, 3)
	assert.Equal(t, PartText, parts[0].Type)
	assert.Equal(t, PartToolCall, parts[1].Type)
	assert.Equal(t, StatusCompleted, parts[1].Status)
	assert.Equal(t, PartToolResult, parts[2].Type)
	assert.Equal(t, "contents", parts[2].Output)
}

// Text arriving after tool activity splits into a continuation step that
// carries the tool parts, so each bubble reads as one coherent unit.
func TestAccumulatorSplitAfterTool(t *testing.T) {
	_, acc := applyAll([]*acp.Envelope{
		chunkEnv(t, "working on it"), // seq 0
		toolCallEnv(t, "t1", "Run tests", ""), // seq 1
		chunkEnv(t, "done"), // seq 2
	})

	msgs := acc.Messages()
	require.Len(t, msgs, 2)

	require.Len(t, msgs[0].Parts, 1)
	assert.Equal(t, "working on it", msgs[0].Parts[0].Text)

	cont := msgs[1]
	assert.Equal(t, "t1-cont-2", cont.ID)
	require.Len(t, cont.Parts, 2)
	assert.Equal(t, PartToolCall, cont.Parts[0].Type)
	// Trailing text implies the tool finished even without an update.
	assert.Equal(t, StatusCompleted, cont.Parts[0].Status)
	assert.Equal(t, "done", cont.Parts[1].Text)
}

func TestAccumulatorSplitCarriesResult(t *testing.T) {
	_, acc := applyAll([]*acp.Envelope{
		chunkEnv(t, "checking"),
		toolCallEnv(t, "t1", "Run", ""),
		toolUpdateEnv(t, "t1", "completed", "ok"),
		chunkEnv(t, "all good"),
	})

	msgs := acc.Messages()
	require.Len(t, msgs, 2)

	cont := msgs[1]
	require.Len(t, cont.Parts, 3)
	assert.Equal(t, PartToolCall, cont.Parts[0].Type)
	assert.Equal(t, PartToolResult, cont.Parts[1].Type)
	assert.Equal(t, "all good", cont.Parts[2].Text)

	// Further text extends the continuation instead of splitting again.
	tr2 := NewTranslator()
	acc2 := NewAccumulator()
	envs := []*acp.Envelope{
		chunkEnv(t, "checking"),
		toolCallEnv(t, "t1", "Run", ""),
		toolUpdateEnv(t, "t1", "completed", "ok"),
		chunkEnv(t, "all "),
		chunkEnv(t, "good"),
	}
	for i, env := range envs {
		for _, ev := range tr2.Translate(int64(i), env) {
			acc2.Apply(ev)
		}
	}
	msgs2 := acc2.Messages()
	require.Len(t, msgs2, 2)
	last := msgs2[1].Parts[len(msgs2[1].Parts)-1]
	assert.Equal(t, "all good", last.Text)
}

func TestAccumulatorToolWithoutAssistantMessage(t *testing.T) {
	_, acc := applyAll([]*acp.Envelope{
		toolCallEnv(t, "t1", "Run", ""),
		toolUpdateEnv(t, "t1", "completed", "ok"),
	})

	msgs := acc.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleAssistant, msgs[0].Role)
	assert.Equal(t, StatusCompleted, msgs[0].Parts[0].Status)
}

func TestAccumulatorFailedToolStatus(t *testing.T) {
	_, acc := applyAll([]*acp.Envelope{
		toolCallEnv(t, "t1", "Run", ""),
		toolUpdateEnv(t, "t1", "failed", "exit 1"),
	})

	msgs := acc.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusError, msgs[0].Parts[0].Status)
}

func TestAccumulatorOrphanResult(t *testing.T) {
	tr := NewTranslator()
	acc := NewAccumulator()

	// A result for a call that never started in this stream.
	for _, ev := range tr.Translate(0, toolUpdateEnv(t, "ghost", "completed", "out")) {
		acc.Apply(ev)
	}

	msgs := acc.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusError, msgs[0].Parts[0].Status)
	assert.Equal(t, 1, acc.OrphanResults())
}

// Re-feeding any prefix of an event stream must not change the projection;
// (sequence, index) identifies each event across replay and live delivery.
func TestAccumulatorPrefixIdempotence(t *testing.T) {
	tr := NewTranslator()
	envs := []*acp.Envelope{
		userEnv(t, "go"),
		chunkEnv(t, "working"),
		toolCallEnv(t, "t1", "Run", ""),
		toolUpdateEnv(t, "t1", "completed", "ok"),
		chunkEnv(t, "done"),
		resultEnv(t, acp.StopReasonEndTurn),
	}
	var events []Event
	for i, env := range envs {
		events = append(events, tr.Translate(int64(i), env)...)
	}

	straight := NewAccumulator()
	for _, ev := range events {
		straight.Apply(ev)
	}

	replayed := NewAccumulator()
	for _, ev := range events[:len(events)/2] {
		replayed.Apply(ev)
	}
	// Simulate a client that replays history and then attaches live.
	for _, ev := range events {
		replayed.Apply(ev)
	}

	assert.Equal(t, straight.Messages(), replayed.Messages())
}

func TestProjectorAssistantPreview(t *testing.T) {
	p := NewProjector()
	envs := []*acp.Envelope{
		userEnv(t, "hi"),
		chunkEnv(t, "Hello "),
		chunkEnv(t, "back."),
	}
	for i, env := range envs {
		p.Apply(int64(i), env)
	}
	assert.Equal(t, "Hello back.", p.AssistantPreview())
}

func TestProjectorMultiTurn(t *testing.T) {
	p := NewProjector()
	envs := []*acp.Envelope{
		userEnv(t, "first"),
		chunkEnv(t, "answer one"),
		resultEnv(t, acp.StopReasonEndTurn),
		userEnv(t, "second"),
		chunkEnv(t, "answer two"),
		resultEnv(t, acp.StopReasonEndTurn),
	}
	for i, env := range envs {
		p.Apply(int64(i), env)
	}

	msgs := p.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "answer two", p.AssistantPreview())
}
