// Package fileutil provides small directory-management helpers.
//
// EnsureDir creates directories recursively. It is used by the storage
// package to prepare the parent directory of the SQLite database file
// before opening a database connection.
package fileutil
