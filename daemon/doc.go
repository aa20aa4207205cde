// Package daemon keeps the replication targets of a host in sync.
//
// A Supervisor owns one Worker per target.
// It starts workers for new targets and stops and joins workers for removed ones
// whenever the registry reports a change.
//
// A Worker checks its target about once a minute
// and runs a pass whenever the schedule says one is due.
// A failed pass is followed by a randomized backoff;
// a worker never exits because of a pass error,
// only when it is stopped.
package daemon
