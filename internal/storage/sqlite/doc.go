// Package sqlite persists the pipeline's file-level artefacts as SQLite
// containers: raw event files, histogram containers (one projection of one
// source file) and prediction containers.
//
// Every container kind has its own embedded migration set, applied with
// golang-migrate when the file is created and checked when it is opened.
// Containers are write-once: a writer builds the database at a hidden
// temporary sibling of its target and renames it into place on Commit, so
// readers never observe a partial file. Writing to a path that already
// holds a container silently replaces it.
package sqlite
