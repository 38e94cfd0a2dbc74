package agent

import (
	"fmt"
	"strings"

	"biochat/backend/internal/constants"
	"biochat/backend/internal/state"
)

const classifyPrompt = `You are the front desk of a biomedical research assistant. The assistant can annotate
questions against a biomedical knowledge graph (genes, transcripts, proteins, variants, diseases, pathways, GO terms,
drugs, tissues, cell lines), search a document collection and the user's uploaded PDFs, explain hypotheses, and
describe tools, workflows and datasets of a bioinformatics platform.

Decide how to handle the user's latest message and answer with exactly one line:

response: <reply>
  for greetings, thanks, questions about what the assistant can do, and polite redirections of off-topic requests.
  Start greetings with "Hello". Never state biomedical facts on this line.

question: <self-contained question>
  for anything factual or any request for information. Rewrite the question so it can be understood on its own:
  replace pronouns and vague references ("it", "that gene", "the second one") with the entities they refer to,
  using the conversation history, the remembered facts and the current context. Keep the user's intent unchanged.

Do not add anything before the prefix and do not answer the question yourself.`

const routePrompt = `You route a self-contained biomedical question to exactly one specialist.
The available routes are listed in the message. Pick the single best one:
- graph: the question is about the graph the user is currently viewing.
- resource: the question is about the resource the user currently has open.
- annotation: the question names biomedical entities or asks how entities are connected, so it can be answered from
  the knowledge graph.
- rag: anything else, answered from the literature and the user's documents.

Respond with ONLY valid JSON (no markdown, no explanation):
{"route": "annotation"}`

// buildClassifyMessage renders the classifier input from the turn's
// history, remembered facts, context and question.
func buildClassifyMessage(history []state.Turn, memorySnapshot string, ctxRef state.ContextRef, question string) string {
	var sb strings.Builder

	sb.WriteString("Conversation history (oldest first):\n")
	if len(history) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, turn := range history {
		sb.WriteString("- ")
		sb.WriteString(turn.UserQuestion)
		sb.WriteString("\n")
	}

	sb.WriteString("\nRemembered facts about the user:\n")
	if strings.TrimSpace(memorySnapshot) == "" {
		sb.WriteString("(none)\n")
	} else {
		sb.WriteString(memorySnapshot)
	}

	fmt.Fprintf(&sb, "\nCurrent context: %s\n", contextSnapshot(ctxRef))
	fmt.Fprintf(&sb, "\nLatest message: %s", question)
	return sb.String()
}

func buildRouteMessage(routes []string, ctxRef state.ContextRef, question string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Available routes: %s\n", strings.Join(routes, ", "))
	fmt.Fprintf(&sb, "Current context: %s\n", contextSnapshot(ctxRef))
	fmt.Fprintf(&sb, "Question: %s", question)
	return sb.String()
}

// contextSnapshot renders a context reference as "type:id", or "none".
func contextSnapshot(ctxRef state.ContextRef) string {
	t, id := ctxRef.TypeValue(), ctxRef.IDValue()
	if t == "" || t == constants.ResourceNone {
		return constants.ResourceNone
	}
	if id == "" {
		return t
	}
	return t + ":" + id
}
