package psdf

import "math"

// bilateralMasked is an edge-preserving filter over a rows x cols height map.
// Only columns with mask set are read or written; empty columns keep their value.
func bilateralMasked(src []float32, mask []bool, rows, cols, ksize int, sigmaColor, sigmaSpace float64) []float32 {
	out := make([]float32, len(src))
	copy(out, src)
	if ksize < 3 || sigmaColor <= 0 || sigmaSpace <= 0 {
		return out
	}
	r := ksize / 2
	colorCoef := -0.5 / (sigmaColor * sigmaColor)
	spaceCoef := -0.5 / (sigmaSpace * sigmaSpace)

	spatial := make([]float64, (2*r+1)*(2*r+1))
	for i := -r; i <= r; i++ {
		for j := -r; j <= r; j++ {
			spatial[(i+r)*(2*r+1)+(j+r)] = math.Exp(float64(i*i+j*j) * spaceCoef)
		}
	}

	for x := 0; x < rows; x++ {
		for y := 0; y < cols; y++ {
			c := x*cols + y
			if !mask[c] {
				continue
			}
			h := float64(src[c])
			var sum, wsum float64
			for i := -r; i <= r; i++ {
				xx := x + i
				if xx < 0 || xx >= rows {
					continue
				}
				for j := -r; j <= r; j++ {
					yy := y + j
					if yy < 0 || yy >= cols || !mask[xx*cols+yy] {
						continue
					}
					q := float64(src[xx*cols+yy])
					d := q - h
					w := spatial[(i+r)*(2*r+1)+(j+r)] * math.Exp(d*d*colorCoef)
					sum += w * q
					wsum += w
				}
			}
			out[c] = float32(sum / wsum)
		}
	}
	return out
}
