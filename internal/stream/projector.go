package stream

import (
	"strings"

	"github.com/agentlab/agentlab/internal/acp"
)

// Projector is the server-side pairing of a Translator and an Accumulator.
// The session monitor feeds it every persisted envelope and reads back the
// message projection and the assistant preview for session metadata.
type Projector struct {
	tr  *Translator
	acc *Accumulator
}

// NewProjector creates an empty projector for one session.
func NewProjector() *Projector {
	return &Projector{tr: NewTranslator(), acc: NewAccumulator()}
}

// Apply translates the envelope at the given sequence and folds the
// resulting events into the projection. The events are returned so the
// caller can react to turn boundaries.
func (p *Projector) Apply(seq int64, env *acp.Envelope) []Event {
	events := p.tr.Translate(seq, env)
	for _, ev := range events {
		p.acc.Apply(ev)
	}
	return events
}

// Messages returns the current message projection.
func (p *Projector) Messages() []Message {
	return p.acc.Messages()
}

// AssistantPreview returns the concatenated text of the latest assistant
// message, or "" when none exists yet.
func (p *Projector) AssistantPreview() string {
	msgs := p.acc.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != RoleAssistant {
			continue
		}
		var sb strings.Builder
		for _, part := range msgs[i].Parts {
			if part.Type == PartText {
				sb.WriteString(part.Text)
			}
		}
		if sb.Len() > 0 {
			return sb.String()
		}
	}
	return ""
}

// OrphanResults reports the projection's orphan tool_result count.
func (p *Projector) OrphanResults() int {
	return p.acc.OrphanResults()
}
