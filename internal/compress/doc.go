// Package compress encodes the self-describing blocks of readonly store
// parts. Every block records its codec, so a part written with one codec
// stays readable after the table's configured codec changes.
package compress
