// Package storage defines the capability contracts every store and index
// backend implements, and the Registry through which a table selects its
// writable backends by name.
//
// Ids are segment-local. Stores map ids to encoded rows; indexes map encoded
// keys (rows of a projected schema) to ids.
package storage
