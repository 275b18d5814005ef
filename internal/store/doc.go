// Package store defines the account and phone records, the status state
// machine, and the Repository contract that persistent stores implement.
// Implementations live in internal/storage; this package must not import
// database drivers or concrete clients.
package store
