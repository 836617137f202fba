// Package psdf implements a probabilistic signed distance field: a dense voxel
// volume that fuses depth frames from a posed camera and exposes the fused
// surface as a marching-cubes mesh or as top-down 2.5D maps.
//
// A Volume is written only by Integrator.Integrate, which holds the volume's
// write lock for the whole frame. Flatten and ExtractSurface take the read
// lock and may run concurrently with each other.
//
// Distances are stored normalised by the truncation margin, so every voxel
// holds a value in [-1, 1]. Variance is +Inf until a voxel is first observed.
package psdf
