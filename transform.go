package main

import (
	"image"
	"math"
	"math/rand/v2"

	colorful "github.com/lucasb-eyer/go-colorful"
	xdraw "golang.org/x/image/draw"
)

// Input preprocessing for the classifier. Training images go through the
// usual augmentation chain (random resized crop, horizontal flip, color
// jitter, random grayscale); evaluation images are just resized. Both end
// normalized with the ImageNet channel statistics, since the pretrained
// backbones were trained with them.

const imageSize = 224

var (
	imagenetMean = [3]float64{0.485, 0.456, 0.406}
	imagenetStd  = [3]float64{0.229, 0.224, 0.225}
)

// Transform converts a decoded image into a normalized CHW float buffer
// of length 3*size*size.
type Transform interface {
	Apply(img image.Image) []float64
	OutputSize() int
}

// TrainTransform is the stochastic augmentation chain. Each loader worker
// owns one instance with its own RNG.
type TrainTransform struct {
	Size               int
	ScaleMin, ScaleMax float64 // crop area fraction range
	Brightness         float64
	Contrast           float64
	Saturation         float64
	Hue                float64
	GrayscaleP         float64

	rng *rand.Rand
}

// NewTrainTransform creates the augmentation chain with the defaults used
// throughout: 224px crops covering 70-100% of the image, jitter strength
// 0.3 on all four color axes, grayscale probability 0.1.
func NewTrainTransform(rng *rand.Rand) *TrainTransform {
	return &TrainTransform{
		Size:       imageSize,
		ScaleMin:   0.7,
		ScaleMax:   1.0,
		Brightness: 0.3,
		Contrast:   0.3,
		Saturation: 0.3,
		Hue:        0.3,
		GrayscaleP: 0.1,
		rng:        rng,
	}
}

func (t *TrainTransform) OutputSize() int { return t.Size }

func (t *TrainTransform) Apply(img image.Image) []float64 {
	b := img.Bounds()
	crop := t.sampleCrop(b.Dx(), b.Dy()).Add(b.Min)
	rgba := resizeRGBA(img, crop, t.Size, t.Size)
	buf := rgbaToFloats(rgba)

	if t.rng.Float64() < 0.5 {
		hflipHWC(buf, t.Size, t.Size)
	}
	t.applyColorJitter(buf)
	if t.rng.Float64() < t.GrayscaleP {
		grayscaleHWC(buf)
	}
	return toCHWNormalized(buf, t.Size)
}

// sampleCrop picks a crop rectangle whose area is a random fraction of
// the source and whose aspect ratio lies in [3/4, 4/3]. After ten failed
// attempts it falls back to the largest centered crop with a valid ratio.
func (t *TrainTransform) sampleCrop(w, h int) image.Rectangle {
	area := float64(w * h)
	logMin, logMax := math.Log(3.0/4.0), math.Log(4.0/3.0)
	for attempt := 0; attempt < 10; attempt++ {
		target := area * (t.ScaleMin + t.rng.Float64()*(t.ScaleMax-t.ScaleMin))
		ratio := math.Exp(logMin + t.rng.Float64()*(logMax-logMin))
		cw := int(math.Round(math.Sqrt(target * ratio)))
		ch := int(math.Round(math.Sqrt(target / ratio)))
		if cw > 0 && ch > 0 && cw <= w && ch <= h {
			x := t.rng.IntN(w - cw + 1)
			y := t.rng.IntN(h - ch + 1)
			return image.Rect(x, y, x+cw, y+ch)
		}
	}

	inRatio := float64(w) / float64(h)
	var cw, ch int
	switch {
	case inRatio < 3.0/4.0:
		cw = w
		ch = int(math.Round(float64(cw) / (3.0 / 4.0)))
	case inRatio > 4.0/3.0:
		ch = h
		cw = int(math.Round(float64(ch) * (4.0 / 3.0)))
	default:
		cw, ch = w, h
	}
	x := (w - cw) / 2
	y := (h - ch) / 2
	return image.Rect(x, y, x+cw, y+ch)
}

func (t *TrainTransform) applyColorJitter(buf []float64) {
	for _, op := range t.rng.Perm(4) {
		switch op {
		case 0:
			if t.Brightness > 0 {
				f := 1 + (t.rng.Float64()*2-1)*t.Brightness
				brightnessHWC(buf, math.Max(f, 0))
			}
		case 1:
			if t.Contrast > 0 {
				f := 1 + (t.rng.Float64()*2-1)*t.Contrast
				contrastHWC(buf, math.Max(f, 0))
			}
		case 2:
			if t.Saturation > 0 {
				f := 1 + (t.rng.Float64()*2-1)*t.Saturation
				saturationHWC(buf, math.Max(f, 0))
			}
		case 3:
			if t.Hue > 0 {
				hueHWC(buf, (t.rng.Float64()*2-1)*t.Hue)
			}
		}
	}
}

// EvalTransform resizes to Size x Size and normalizes. No randomness, so
// one instance can be shared.
type EvalTransform struct {
	Size int
}

func NewEvalTransform() *EvalTransform {
	return &EvalTransform{Size: imageSize}
}

func (t *EvalTransform) OutputSize() int { return t.Size }

func (t *EvalTransform) Apply(img image.Image) []float64 {
	rgba := resizeRGBA(img, img.Bounds(), t.Size, t.Size)
	return toCHWNormalized(rgbaToFloats(rgba), t.Size)
}

// resizeRGBA scales the sr region of src into a fresh w x h RGBA image
// using bilinear interpolation.
func resizeRGBA(src image.Image, sr image.Rectangle, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), src, sr, xdraw.Src, nil)
	return dst
}

// rgbaToFloats converts a zero-origin RGBA image to an HWC float buffer
// in [0, 1], dropping alpha.
func rgbaToFloats(img *image.RGBA) []float64 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := make([]float64, h*w*3)
	i := 0
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			out[i] = float64(row[x*4]) / 255
			out[i+1] = float64(row[x*4+1]) / 255
			out[i+2] = float64(row[x*4+2]) / 255
			i += 3
		}
	}
	return out
}

func hflipHWC(buf []float64, w, h int) {
	for y := 0; y < h; y++ {
		row := buf[y*w*3 : (y+1)*w*3]
		for x := 0; x < w/2; x++ {
			l, r := x*3, (w-1-x)*3
			row[l], row[r] = row[r], row[l]
			row[l+1], row[r+1] = row[r+1], row[l+1]
			row[l+2], row[r+2] = row[r+2], row[l+2]
		}
	}
}

// luminance uses the ITU-R 601 weights, matching the usual RGB-to-gray
// conversion in image pipelines.
func luminance(r, g, b float64) float64 {
	return 0.299*r + 0.587*g + 0.114*b
}

func brightnessHWC(buf []float64, f float64) {
	for i := range buf {
		buf[i] = clamp01(buf[i] * f)
	}
}

// contrastHWC blends each channel toward the mean gray level of the
// whole image.
func contrastHWC(buf []float64, f float64) {
	var mean float64
	n := len(buf) / 3
	for i := 0; i < len(buf); i += 3 {
		mean += luminance(buf[i], buf[i+1], buf[i+2])
	}
	mean /= float64(n)
	for i := range buf {
		buf[i] = clamp01(f*buf[i] + (1-f)*mean)
	}
}

// saturationHWC blends each pixel toward its own gray level.
func saturationHWC(buf []float64, f float64) {
	for i := 0; i < len(buf); i += 3 {
		l := luminance(buf[i], buf[i+1], buf[i+2])
		buf[i] = clamp01(f*buf[i] + (1-f)*l)
		buf[i+1] = clamp01(f*buf[i+1] + (1-f)*l)
		buf[i+2] = clamp01(f*buf[i+2] + (1-f)*l)
	}
}

// hueHWC rotates every pixel's hue by shift (a fraction of the full
// circle, so 0.5 is 180 degrees).
func hueHWC(buf []float64, shift float64) {
	deg := shift * 360
	for i := 0; i < len(buf); i += 3 {
		c := colorful.Color{R: buf[i], G: buf[i+1], B: buf[i+2]}
		hue, s, v := c.Hsv()
		hue = math.Mod(hue+deg, 360)
		if hue < 0 {
			hue += 360
		}
		out := colorful.Hsv(hue, s, v)
		buf[i] = clamp01(out.R)
		buf[i+1] = clamp01(out.G)
		buf[i+2] = clamp01(out.B)
	}
}

func grayscaleHWC(buf []float64) {
	for i := 0; i < len(buf); i += 3 {
		l := luminance(buf[i], buf[i+1], buf[i+2])
		buf[i], buf[i+1], buf[i+2] = l, l, l
	}
}

func toCHWNormalized(buf []float64, size int) []float64 {
	plane := size * size
	out := make([]float64, 3*plane)
	for p := 0; p < plane; p++ {
		for c := 0; c < 3; c++ {
			out[c*plane+p] = (buf[p*3+c] - imagenetMean[c]) / imagenetStd[c]
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
