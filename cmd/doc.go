// Package cmd implements the command-line interface of bmirror. It provides a
// hierarchical command structure with operations for running a metadata node
// and interacting with it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Commands for starting and configuring a metadata node
//   - fs: Commands for metadata operations (mkdir, rmdir, stat, setattr, perf)
//   - state: Commands for listing and overriding consistency states
//   - resync: Commands for starting and aborting resync jobs
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See bmirror -help for a list of all commands.
package cmd
