package capture

import (
	"image"
	"image/color"

	"github.com/pion/mediadevices/pkg/io/video"
)

// lumaThreshold separates "subject" from "backdrop" in the naive
// keying below. Dark pixels are treated as background.
const lumaThreshold = 40

// backgroundSubstitute is a frame filter that repaints background
// pixels with a flat color. It is deliberately simple: the engine only
// needs a processed variant of the camera to plumb through the mesh.
func backgroundSubstitute(bg color.RGBA) video.TransformFunc {
	return func(r video.Reader) video.Reader {
		return video.ReaderFunc(func() (image.Image, func(), error) {
			img, release, err := r.Read()
			if err != nil {
				return nil, func() {}, err
			}
			out := repaint(img, bg)
			release()
			return out, func() {}, nil
		})
	}
}

func repaint(img image.Image, bg color.RGBA) image.Image {
	bounds := img.Bounds()
	out := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			if luma(c) < lumaThreshold {
				out.SetRGBA(x, y, bg)
				continue
			}
			out.SetRGBA(x, y, c)
		}
	}
	return out
}

func luma(c color.RGBA) uint8 {
	// BT.601 integer approximation.
	return uint8((299*uint32(c.R) + 587*uint32(c.G) + 114*uint32(c.B)) / 1000)
}
