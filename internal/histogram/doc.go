// Package histogram turns calibrated hits into fixed-shape occupancy
// images.
//
// Edges are computed once per run by CalculateBinEdges and shared by every
// event. Binning follows the half-open bin rule with a closed last bin;
// hits outside the edges are dropped and counts saturate at MaxCount.
package histogram
