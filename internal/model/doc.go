// Package model builds trainable models from a declarative model file.
//
// The architecture tag of the file selects a Family from a registry. The
// family checks its hyperparameters and lays out a Topology: the layer
// stack with inferred shapes and parameter counts. Losses, metrics and
// optimizers are looked up by name in their own registries, and a Backend
// compiles the result into a Model. LinearBackend is the pure-Go reference
// backend: it trains one dense read-out per output head on the flattened
// inputs.
//
// Model state is saved as a gob+gzip checkpoint written with an atomic
// rename, so a checkpoint on disk is always complete.
package model
