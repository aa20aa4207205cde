// Package bsync is a backup and failover replication client.
//
// A source host runs one replication worker per configured target.
// Each worker wakes up about once a minute,
// decides whether its target is due,
// and if so runs a _pass_:
// a walk of the host's file tree
// in which file metadata is sent to a remote daemon in batches,
// and the daemon answers with what it needs.
//
// What it needs may be nothing,
// a metadata update,
// the whole file,
// or a list of MD5 digests,
// one per fixed-size chunk of the copy it already holds.
// In the last case only the chunks whose digests differ
// (plus any growth of the file)
// cross the wire.
//
// This package defines the data model
// and the interfaces of the collaborators a pass depends on:
// the Environment that supplies files,
// the Registry that supplies targets,
// the PassLog that records outcomes,
// and the Dialer that reaches the remote daemon.
// Subpackages implement the scheduling decision (schedule),
// the chunk codec (chunk),
// the wire codec (proto),
// the pass itself (engine),
// and the worker and supervisor (daemon).
package bsync
