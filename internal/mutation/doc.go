// Package mutation applies user changes optimistically and reconciles them with the
// remote service.
//
// Every submission moves through Idle, Pending and then Confirmed or RolledBack:
//  1. A rollback snapshot of every affected location is captured and the tentative
//     change is written in one store commit.
//  2. The remote mutation runs on a context detached from the caller.
//  3. On success the server's values replace the tentative ones (temporary ids become
//     real ids in every collection). On failure every location is restored.
//
// The reducers in reducer.go are pure functions over a Tx; the Coordinator adds
// ordering between concurrent mutations that touch the same locations.
package mutation
