// Package recorder keeps the audit trail of answered questions: the query,
// the answer and every chunk retrieval returned for it.
//
// Ranks are renumbered before writing so that chunks used in the prompt
// occupy 1..k and the rest follow. The query row and its chunk rows are
// written in one transaction; a chunk that left the committed snapshot
// between retrieval and recording is stored without its chunk reference
// but keeps its snippet.
package recorder
