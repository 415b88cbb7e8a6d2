// Package detector owns the hit-level data model and its calibration.
//
// Responsibilities: loading the per-module geometry table and the detector
// bounding limits, and turning raw event hits into calibrated (x, y, z, t)
// points.
// Key types: Hit, Event, Track, Geometry, GeoLimits, Projector.
//
// Events are processed independently; nothing in this package keeps state
// across events.
package detector
