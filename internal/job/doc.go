// Package job exposes the two entry points of the membership subsystem:
// single administrative actions (create/add/remove/inspect) and the
// scheduled monthly refresh. Both compose the same group manager and batch
// processor; neither retries on its own.
package job
