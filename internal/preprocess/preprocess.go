// Package preprocess turns uploaded image bytes into the fixed-shape float
// tensor a classifier expects.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/nfnt/resize"
)

// MaxPixels bounds the decoded image area to keep a single upload from
// exhausting memory.
const MaxPixels = 64 << 20

// ErrDecode is wrapped by every error returned from Decode.
var ErrDecode = errors.New("image decode failed")

var supportedFormats = map[string]bool{
	"jpeg": true,
	"png":  true,
}

// Options pairs the spatial size of a model input with its normalization.
// The pair belongs to the model and is never derived from the image.
type Options struct {
	Width         int
	Height        int
	Normalization Normalization
	Layout        Layout
}

func (o Options) Validate() error {
	if o.Width <= 0 || o.Height <= 0 {
		return fmt.Errorf("invalid target size %dx%d", o.Width, o.Height)
	}
	if err := o.Normalization.Validate(); err != nil {
		return err
	}
	return o.Layout.Validate()
}

// Shape returns the batched input shape for the configured layout.
func (o Options) Shape() []int64 {
	if o.Layout == NCHW {
		return []int64{1, 3, int64(o.Height), int64(o.Width)}
	}
	return []int64{1, int64(o.Height), int64(o.Width), 3}
}

// Tensor is a batch of one preprocessed image.
type Tensor struct {
	Shape []int64
	Data  []float32
}

func (t *Tensor) Len() int {
	return len(t.Data)
}

// Decode reads a JPEG or PNG image. Subsequent steps work on the returned
// image regardless of its color model.
func Decode(r io.Reader) (image.Image, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read upload: %v", ErrDecode, err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty upload", ErrDecode)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if !supportedFormats[format] {
		return nil, format, fmt.Errorf("%w: unsupported format %q, supported: JPEG, PNG", ErrDecode, format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > MaxPixels {
		return nil, format, fmt.Errorf("%w: unsupported dimensions %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, format, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, format, nil
}

// ToRGB copies img into an opaque NRGBA image anchored at the origin.
// Alpha is discarded, not composited.
func ToRGB(img image.Image) *image.NRGBA {
	return crop(img, img.Bounds())
}

func crop(img image.Image, r image.Rectangle) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		for x := 0; x < r.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(r.Min.X+x, r.Min.Y+y)).(color.NRGBA)
			c.A = 0xff
			dst.SetNRGBA(x, y, c)
		}
	}
	return dst
}

// fitRect returns the largest centred rectangle of b with the aspect ratio
// width:height.
func fitRect(b image.Rectangle, width, height int) image.Rectangle {
	w, h := b.Dx(), b.Dy()
	target := float64(width) / float64(height)
	live := float64(w) / float64(h)

	cw, ch := w, h
	switch {
	case live > target:
		cw = int(target*float64(h) + 0.5)
	case live < target:
		ch = int(float64(w)/target + 0.5)
	}
	if cw < 1 {
		cw = 1
	}
	if ch < 1 {
		ch = 1
	}

	left := b.Min.X + (w-cw)/2
	top := b.Min.Y + (h-ch)/2
	return image.Rect(left, top, left+cw, top+ch)
}

// Fit centre-crops img to the target aspect ratio and resamples it with
// Lanczos3 to exactly width x height.
func Fit(img image.Image, width, height int) image.Image {
	cropped := crop(img, fitRect(img.Bounds(), width, height))
	return resize.Resize(uint(width), uint(height), cropped, resize.Lanczos3)
}

// Normalize rescales the pixels of img, which must already be opts.Width x
// opts.Height, into a batched tensor.
func Normalize(img image.Image, opts Options) (*Tensor, error) {
	b := img.Bounds()
	if b.Dx() != opts.Width || b.Dy() != opts.Height {
		return nil, fmt.Errorf("image is %dx%d, want %dx%d", b.Dx(), b.Dy(), opts.Width, opts.Height)
	}

	width, height := opts.Width, opts.Height
	plane := width * height
	data := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			rv := opts.Normalization.Scale(uint8(r >> 8))
			gv := opts.Normalization.Scale(uint8(g >> 8))
			bv := opts.Normalization.Scale(uint8(bl >> 8))

			pixelIndex := y*width + x
			if opts.Layout == NCHW {
				data[pixelIndex] = rv
				data[plane+pixelIndex] = gv
				data[2*plane+pixelIndex] = bv
				continue
			}
			data[3*pixelIndex] = rv
			data[3*pixelIndex+1] = gv
			data[3*pixelIndex+2] = bv
		}
	}

	return &Tensor{Shape: opts.Shape(), Data: data}, nil
}

// Preprocess runs color normalization, fit-and-crop and pixel normalization.
func Preprocess(img image.Image, opts Options) (*Tensor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("empty image %dx%d", b.Dx(), b.Dy())
	}
	return Normalize(Fit(img, opts.Width, opts.Height), opts)
}
