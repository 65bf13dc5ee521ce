// Package store implements the coordinator façade described by
// spec.md §4.4: the public surface that ties the local sharded
// ByteStore together with an optional remote CAS/ByteStream client,
// providing local-first reads with remote back-fill, recursive
// upload/download of directory trees, materialization, and garbage
// collection. Grounded on original_source's store.rs (the coordinator
// this package reimplements) and bb-storage's readfallback/replication
// packages for the local-then-remote blob access idiom.
package store

import (
	"github.com/outpost-build/remotestore/pkg/local"
	"github.com/outpost-build/remotestore/pkg/remotecas"
	gopoplogging "gopkg.in/op/go-logging.v1"
)

var log = gopoplogging.MustGetLogger("store")

// Options configures a Store.
type Options struct {
	Local  *local.ByteStore
	Remote *remotecas.Client // nil disables remote fallback entirely.
}

// Store is the coordinator façade: every public operation in this
// package is a method on it. It owns the two single-flight tables
// (upload, download) spec.md §4.4/§9 describe.
type Store struct {
	local  *local.ByteStore
	remote *remotecas.Client

	uploads   *cellTable
	downloads *cellTable
}

// New builds a Store over the given local and (optionally) remote
// backends.
func New(opts Options) *Store {
	return &Store{
		local:     opts.Local,
		remote:    opts.Remote,
		uploads:   newCellTable(),
		downloads: newCellTable(),
	}
}

// HasRemote reports whether this Store was configured with a remote
// fallback.
func (s *Store) HasRemote() bool {
	return s.remote != nil
}

