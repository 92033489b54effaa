// Package reverie is a multi-agent roleplay conversation engine in Go.
//
// It provides the execution substrate for a persistent character that talks
// to a user across mixed modalities (telegram-style chat, face-to-face
// speech, silent inner reflection, system commands): a composable Runnable
// abstraction that unifies single agents (LLM + tool-call loop) and
// multi-stage flows (sequential routing, parallel fan-out with background
// continuation), a streaming event model carried out to a Server-Sent-Events
// HTTP boundary, and a memory/time layer (conversation store with
// proximity/range queries, period store for schedules and scenarios, a
// relation key-value space, and a per-session virtual clock).
//
// The root package holds the core SDK. Storage, search, LLM transport, and
// the HTTP boundary live in subpackages:
//
//   - store/sqlite: the persistence layer on a single SQLite working file
//   - search/meili: the full-text mirror on Meilisearch
//   - provider/openaicompat: streaming chat completions transport
//   - archive: named database-file archives
//   - server: the JSON + SSE HTTP boundary
package reverie
