// Package queue provides the binary heap behind the table's k-way merge
// iterators.
package queue
