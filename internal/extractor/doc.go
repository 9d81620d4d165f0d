// Package extractor finds documents in a materialized snapshot and loads
// their text, checksum, language and MIME content kind.
package extractor
