// Package answer turns a question into a grounded reply.
//
// Service.Answer loads the conversation's recent turns, retrieves chunks
// for the question (suffixed with a history hint), builds a chat prompt
// and calls an OpenAI compatible completion endpoint. The reply is cleaned
// and the turn is recorded with every retrieved chunk.
//
// The prompt is a system message with citation rules, the compacted
// history as alternating user and assistant messages, and a user payload
// holding the retrieved context grouped by file. History is trimmed to a
// token budget of ModelContextTokens*HistoryBudgetFactor minus a safety
// margin, dropping the oldest turns first.
//
// When the best retrieval score is below MinScore no context is sent and
// the payload carries a warning instead.
package answer
