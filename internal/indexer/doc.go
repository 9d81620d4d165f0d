// Package indexer coordinates the ingestion pipeline that turns a repository
// snapshot into a searchable index.
//
// # Basic Usage
//
//	idx := indexer.New(indexer.Deps{
//	    Storage:   store,
//	    Snapshots: snapshot.New(cfg.Storage.SnapshotDir),
//	    Embedder:  embedder.NewBatchGenerator(emb, batchCfg),
//	    Vectors:   vectors,
//	    Progress:  progress.New(),
//	}, indexer.Config{Workers: 8, BatchSize: 20})
//
//	run, err := idx.Ingest(ctx, indexer.Request{
//	    Kind: storage.SourceGit,
//	    URI:  "https://github.com/org/repo",
//	})
//
// Start is the asynchronous form: it returns the queued run at once and the
// caller follows it through Status or a progress subscription.
//
// # Run Lifecycle
//
// A run moves through queued, uploading, embedding and indexing to done.
// Any fatal error moves it to error instead and the message is kept on the
// run row, where Status reports it verbatim.
//
//  1. uploading: materialize the snapshot (clone, unzip or local directory),
//     scan it, then read, chunk and store every changed file in batches.
//     Files whose checksum and embedding model match the committed version
//     are carried over untouched. Current documents that were not carried
//     over are retired.
//  2. embedding: embed the chunks created by this run. A chunk that fails
//     keeps its error and stays searchable lexically.
//  3. indexing: fill the FTS5 index, push vectors to the vector backend and
//     commit the run. Readers switch to the new snapshot atomically.
//
// # Single Flight
//
// Only one run or delete may hold a repository at a time. A second Start
// returns types.ErrIngestionInProgress. Delete cancels the run holding the
// repository, waits for it to stop and then removes everything.
//
// # Concurrency
//
// Batches of files are read and chunked by an errgroup limited to Workers.
// Each batch is written in its own transaction. Network calls to the
// embedding provider or the vector backend never happen inside a
// transaction.
package indexer
