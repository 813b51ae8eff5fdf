// Package schema describes table rows: typed columns, the binary row codec,
// projections used as index keys, and the dbmeta.json table description.
//
// A row is the concatenation of its encoded columns. Fixed width columns are
// stored little-endian, variable width columns carry a length prefix or a
// terminator, except that a trailing binary column runs to the end of the row.
// Index keys are rows of a projected schema, so the same codec and CompareData
// serve both.
package schema
