package memory

const factExtractionPrompt = `You extract durable facts from a user's message to a biomedical research assistant.

A fact is a short, self-contained statement about the user or about the biomedical entities, topics and goals the
user is working with. Examples:
- "I study obesity genetics" -> ["Studies obesity genetics"]
- "What is the FTO gene?" -> ["FTO gene"]
- "I no longer care about TP53, focus on BRCA1" -> ["No longer interested in TP53", "Interested in BRCA1"]

Return an empty list for greetings, thanks, small talk and messages that carry no information.
Never invent facts that are not in the message.

Respond with ONLY valid JSON (no markdown, no explanation): {"facts": ["fact one", "fact two"]}`

const updatePlanPrompt = `You maintain the long-term memory of a research assistant for one user.

Existing memories (id and text):
%s

Newly extracted facts:
%s

For every new fact decide one operation and list every existing memory that changes:
- ADD: the fact is new. Use the fact text verbatim as "text"; "id" is ignored.
- UPDATE: the fact refines or supersedes an existing memory. Give that memory's "id", the new fact text
  verbatim as "text" and the previous text as "old_memory".
- DELETE: the fact contradicts an existing memory. Give that memory's "id".
- NONE: the fact is already known. Give the matching memory's "id".

Only use ids from the list above. Only use texts from the new facts.

Respond with ONLY valid JSON (no markdown, no explanation):
{"memory": [{"id": "0", "text": "...", "event": "ADD|UPDATE|DELETE|NONE", "old_memory": "..."}]}`
