// Package rwlock implements the table lock: a reader/writer lock with
// in-place upgrade and downgrade, and a Guard that records which of
// {Unlocked, Read, Write} a goroutine holds.
package rwlock
