// Package progress publishes live ingestion progress per repository.
//
// A Publisher keeps the latest types.Progress of each repository's current
// run. The indexer calls Begin when a run starts and Update as phases
// advance; the HTTP and MCP layers read snapshots with Get or stream them
// with Subscribe:
//
//	ch, err := pub.Subscribe(ctx, repoID)
//	if err != nil {
//	    return err
//	}
//	for snap := range ch {
//	    send(snap)
//	}
//
// Subscribers that fall behind lose intermediate snapshots, never the most
// recent one, and their channel closes once the run is done or failed.
package progress
