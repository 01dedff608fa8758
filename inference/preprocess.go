package inference

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// Mode is the pixel normalization a backbone was trained with.
type Mode string

const (
	// Caffe subtracts the ImageNet BGR mean from 0..255 pixels.
	Caffe Mode = "caffe"
	// TF maps pixels to [-1, 1].
	TF Mode = "tf"
)

// Layout is the memory order of the network input.
type Layout string

const (
	// NHWC interleaves the channels of every pixel.
	NHWC Layout = "nhwc"
	// NCHW stores one plane per channel.
	NCHW Layout = "nchw"
)

// ErrInput is returned when the input tensor cannot hold the image.
var ErrInput = errors.New("inference: input tensor too small")

// caffeMean is the ImageNet mean in B, G, R order.
var caffeMean = [3]float32{103.939, 116.779, 123.68}

// Scale is the resize factor from original to network input pixels, per axis.
type Scale struct {
	X, Y float32
}

// PrepareInput resizes img to size and writes it into dst as BGR channels.
//
// Arguments:
//   - img: The image to prepare.
//   - dst: The input tensor data, at least size.X*size.Y*3 values.
//   - size: The network input width and height.
//   - mode: Pixel normalization.
//   - layout: Channel order of dst.
//
// Returns:
//   - Scale: Input pixels per original pixel.
//   - error: ErrInput when dst is too small.
//
// @example
// scale, err := inference.PrepareInput(img, tensor.GetData(), image.Pt(800, 800), inference.Caffe, inference.NHWC)
func PrepareInput(img image.Image, dst []float32, size image.Point, mode Mode, layout Layout) (Scale, error) {
	plane := size.X * size.Y
	if len(dst) < plane*3 {
		return Scale{}, errors.Wrapf(ErrInput, "holds %d values, needs %d", len(dst), plane*3)
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return Scale{}, errors.New("inference: empty image")
	}

	resized := resize.Resize(uint(size.X), uint(size.Y), img, resize.Bilinear)
	origin := resized.Bounds().Min

	i := 0
	for y := 0; y < size.Y; y++ {
		for x := 0; x < size.X; x++ {
			r, g, b, _ := resized.At(origin.X+x, origin.Y+y).RGBA()
			bgr := [3]float32{float32(b >> 8), float32(g >> 8), float32(r >> 8)}
			for c := range bgr {
				v := bgr[c]
				if mode == TF {
					v = v/127.5 - 1
				} else {
					v -= caffeMean[c]
				}
				if layout == NCHW {
					dst[c*plane+i] = v
				} else {
					dst[i*3+c] = v
				}
			}
			i++
		}
	}

	return Scale{
		X: float32(size.X) / float32(bounds.Dx()),
		Y: float32(size.Y) / float32(bounds.Dy()),
	}, nil
}
