package vision

import (
	"image"

	"golang.org/x/image/draw"
)

// ImageNet normalization (standard for torchvision models).
var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

const inputSide = 224

// resize scales img to side x side RGBA, ignoring aspect ratio.
func resize(img image.Image, side int, scaler draw.Scaler) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, side, side))
	scaler.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// preprocess resizes img to 224x224 and writes it into out as an NCHW
// float32 tensor with ImageNet normalization. out must hold 3*224*224 values.
func preprocess(img image.Image, out []float32) {
	dst := resize(img, inputSide, draw.CatmullRom)
	const size = inputSide * inputSide

	for y := 0; y < inputSide; y++ {
		for x := 0; x < inputSide; x++ {
			idx := y*inputSide + x
			c := dst.RGBAAt(x, y)
			r, g, b := float32(c.R)/255.0, float32(c.G)/255.0, float32(c.B)/255.0
			out[0*size+idx] = (r - imagenetMean[0]) / imagenetStd[0]
			out[1*size+idx] = (g - imagenetMean[1]) / imagenetStd[1]
			out[2*size+idx] = (b - imagenetMean[2]) / imagenetStd[2]
		}
	}
}
