// Package dataset feeds histogram containers to a model.
//
// A training or validation "file" is a set of containers, one per model
// input branch, that hold the same events in the same order. FileReader
// opens such a set and checks the alignment; Loader turns event indices
// into a Batch by reading every branch and applying the configured sample
// and label modifiers; Prefetcher runs a Loader in the background over a
// bounded queue so that I/O overlaps with training.
package dataset
