// Package job defines recurring job definitions and the registry that
// validates them.
//
// A Definition is immutable once registered. The registry rejects duplicate
// ids, unknown dependencies and dependency cycles, and parses each schedule
// once into a next-fire function.
package job
