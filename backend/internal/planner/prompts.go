package planner

const extractionPrompt = `You annotate biomedical questions against a knowledge-graph schema.

Schema:
%s

List the entities the question is about and the relations it asks for.

Rules:
- Only use node kinds and edge kinds from the schema, spelled exactly as declared.
- Give every entity a short "ref" that is unique within your answer.
- Put a value the user names (a gene symbol, a disease name, ...) into the matching declared property.
- Set "id" only when the user quotes an identifier verbatim; otherwise null. Never invent identifiers.
- A relation goes from "source" to "target" in the direction the schema declares.
- When the user asks how two entities are connected but the schema has no single edge between their kinds,
  emit the relation with an empty "edge"; the path will be filled in from the schema.
- Do not add entities the question does not mention.

Respond with ONLY valid JSON (no markdown, no explanation):
{"nodes": [{"ref": "a", "type": "gene", "id": null, "properties": {"gene_name": "FTO"}}],
 "relations": [{"source": "a", "edge": "", "target": "b"}]}`
