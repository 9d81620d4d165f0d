// Package vectorindex abstracts the nearest-neighbour backend used by the
// vector leg of retrieval.
//
// The sqlite backend reads embeddings straight from the chunk rows. The
// qdrant backend mirrors them into Qdrant, one collection per dimension,
// with repo_id, model and document_id in the payload.
package vectorindex
