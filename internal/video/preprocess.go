package video

import (
	"errors"
	"fmt"

	"github.com/kennethnrk/edgeclip/internal/common/constants"
	"github.com/kennethnrk/edgeclip/internal/tensor"
)

var ErrFrameSize = errors.New("unexpected frame size")

// SampleTimestamps returns n timestamps spread evenly inside (0, duration),
// never touching either end: duration*(i+1)/(n+1).
func SampleTimestamps(duration float64, n int) ([]float64, error) {
	if n < 1 {
		return nil, fmt.Errorf("frame count must be positive, got %d", n)
	}
	if !(duration > 0) {
		return nil, fmt.Errorf("video duration must be positive, got %g", duration)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = duration * float64(i+1) / float64(n+1)
	}
	return out, nil
}

// FrameTensor converts a size×size rgb24 frame into a normalized
// [1,3,crop,crop] tensor: center crop, scale to [0,1], then per-channel
// (x-mean)/std with the CLIP statistics.
func FrameTensor(rgb []byte, size, crop int) (*tensor.Tensor, error) {
	if want := size * size * 3; len(rgb) != want {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrFrameSize, len(rgb), want)
	}
	if crop > size {
		return nil, fmt.Errorf("crop %d larger than frame %d", crop, size)
	}

	margin := (size - crop) / 2
	plane := crop * crop
	out := make([]float32, 3*plane)
	for y := 0; y < crop; y++ {
		row := (y + margin) * size
		for x := 0; x < crop; x++ {
			px := (row + x + margin) * 3
			for c := 0; c < 3; c++ {
				v := float32(rgb[px+c]) / 255
				out[c*plane+y*crop+x] = (v - constants.ClipMean[c]) / constants.ClipStd[c]
			}
		}
	}
	return tensor.NewFloat32([]int64{1, 3, int64(crop), int64(crop)}, out)
}
