// Package domain turns gridded meteorology and point flood events into
// windowed training tensors over a fixed unstructured mesh.
//
// # Conventions
//
// Mesh nodes are orb.Points with X = x (longitude) and Y = y (latitude). A
// node's index in the mesh is its identity in every tensor, lookup, and
// adjacency matrix.
//
// Grid cells are addressed in row-major order: cell (r, c) of an R×C grid has
// index r*C + c. Projection uses the squared planar distance
//
//	(lat - y)^2 + (lon - x)^2
//
// with no interpolation and no distance cut-off, and resolves ties to the
// lowest row-major index. Degrees are treated as a flat plane; this matches
// the reanalysis grids the mesh was built against and is not a great-circle
// distance.
//
// # Tensors
//
// All tensors are row-major [sparse.DenseArray] values:
//
//	X   (T, N, F)       one channel per tracked variable
//	Y   (T, N, 1)       flood severity label
//	X'  (T, N, F+2)     X followed by the x and y coordinate channels
//	Xw  (S, L, N, F+2)  S = T - L look-back windows
//	Yw  (S, N, 1)       label one step after each window
//
// # Labels
//
// Events set their node's label to the reported severity, or 1.0 when none is
// reported. Several events on one node on one day do not accumulate: the last
// one in iteration order wins.
//
// # Splits
//
// Samples are split chronologically, never shuffled: train is [0, ⌊0.8n⌋),
// validation [⌊0.8n⌋, ⌊0.9n⌋), and test [⌊0.9n⌋, n).
package domain
