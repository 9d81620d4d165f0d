// Package httpapi serves the REST and WebSocket API.
//
// Every route lives under /api/v1 and answers with a JSON envelope:
//
//	{"code": 0, "message": "success", "data": ...}
//	{"code": 40401, "message": "Not Found", "detail": "repository not found"}
//
// The caller is identified by the X-User-ID header. Repositories without an
// owner, or marked shared, are readable by everyone; only the owner may
// reindex or delete an owned repository.
//
// GET /api/v1/repos/:id/progress upgrades to a WebSocket and pushes a
// progress snapshot on every change of the current run, closing once the
// run is done or failed.
package httpapi
