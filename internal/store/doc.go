// Package store defines the sync run history repository. Implementations
// live in the storage packages; this package must not import database
// drivers or concrete clients.
package store
