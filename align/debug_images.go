package align

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"math/cmplx"
	"os"
	"path/filepath"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Debug image file names, indexed by cloud (0 = source, 1 = target).
var (
	spectrumImageNames   = [2]string{"translationInvariant1.png", "translationInvariant2.png"}
	polarImageNames      = [2]string{"translationInvPolar1.png", "translationInvPolar2.png"}
	invariantImageNames  = [2]string{"euclideanInvariant1.png", "euclideanInvariant2.png"}
	correlationImageName = "rotationCorrelation.png"
)

const (
	captionHeight  = 18
	minImageExtent = 256
)

// DebugWriter saves intermediate fields of a run as PNG images.
type DebugWriter struct {
	Dir string
}

// NewDebugWriter writes into dir, "." when empty.
func NewDebugWriter(dir string) *DebugWriter {
	if dir == "" {
		dir = "."
	}
	return &DebugWriter{Dir: dir}
}

func (d *DebugWriter) path(name string) string {
	return filepath.Join(d.Dir, name)
}

// WriteSpectrum saves a depth coloured projection of |g|, with the zero
// frequency moved to the image centre.
func (d *DebugWriter) WriteSpectrum(name string, g *Grid3D) error {
	dims := g.Dims()
	img := depthImage(dims[0], dims[1], dims[2], func(x, y, z int) float64 {
		return cmplx.Abs(g.At(x, y, z))
	}, true, fmt.Sprintf("%s %dx%dx%d", name, dims[0], dims[1], dims[2]))
	return savePNG(d.path(name), img)
}

// WritePolar saves a polar field with angle along x and radius along y.
func (d *DebugWriter) WritePolar(name string, f *PolarField) error {
	img := depthImage(f.NumAngles, f.NumRadii, f.NumLayers, f.At, false,
		fmt.Sprintf("%s %dx%d", name, f.NumAngles, f.NumRadii))
	return savePNG(d.path(name), img)
}

// writeRotationImages dumps the spectra and polar fields of both clouds.
// Failures are logged, they never fail the alignment.
func (d *DebugWriter) writeRotationImages(gs *gridStage, rs *rotationStage) {
	grids := [2]*Grid3D{gs.sourceGrid, gs.targetGrid}
	for i, g := range grids {
		if err := d.WriteSpectrum(spectrumImageNames[i], g); err != nil {
			log.Printf("Warning: debug image %s: %v", spectrumImageNames[i], err)
		}
	}
	if rs == nil || rs.sourcePolar == nil {
		return
	}
	polars := [2]*PolarField{rs.sourcePolar, rs.targetPolar}
	for i, f := range polars {
		if err := d.WritePolar(polarImageNames[i], f); err != nil {
			log.Printf("Warning: debug image %s: %v", polarImageNames[i], err)
		}
		if err := d.WritePolar(invariantImageNames[i], f.RingSpectra()); err != nil {
			log.Printf("Warning: debug image %s: %v", invariantImageNames[i], err)
		}
	}
	if err := SaveCorrelationPlot(d.path(correlationImageName), rs.correlation, rs.peak); err != nil {
		log.Printf("Warning: debug image %s: %v", correlationImageName, err)
	}
}

// depthImage projects a width x height x depth field onto an image. Each
// layer adds its value along a red to blue ramp; the sum is normalized to
// the brightest pixel. Small fields are upscaled by pixel replication and a
// caption band is added on top.
func depthImage(width, height, depth int, value func(x, y, z int) float64, shift bool, caption string) *image.RGBA {
	acc := make([][3]float64, width*height)
	peak := 0.0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var c [3]float64
			for z := 0; z < depth; z++ {
				h := float64(z) / float64(depth)
				ramp := [3]float64{1 - h, (1 - h) * h, h}
				v := value(x, y, z) / float64(depth)
				for k := range c {
					c[k] += v * ramp[k]
				}
			}
			px, py := x, y
			if shift {
				px = (x + width/2) % width
				py = (y + height/2) % height
			}
			acc[px+width*py] = c
			peak = max(peak, c[0], c[1], c[2])
		}
	}

	scale := 1
	if ext := max(width, height); ext < minImageExtent {
		scale = (minImageExtent + ext - 1) / ext
	}
	img := image.NewRGBA(image.Rect(0, 0, width*scale, height*scale+captionHeight))
	black := color.RGBA{A: 255}
	for y := 0; y < captionHeight; y++ {
		for x := 0; x < width*scale; x++ {
			img.SetRGBA(x, y, black)
		}
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := acc[x+width*y]
			col := color.RGBA{A: 255}
			if peak > 0 {
				col.R = clampByte(c[0] / peak * 255)
				col.G = clampByte(c[1] / peak * 255)
				col.B = clampByte(c[2] / peak * 255)
			}
			for dy := 0; dy < scale; dy++ {
				for dx := 0; dx < scale; dx++ {
					img.SetRGBA(x*scale+dx, captionHeight+y*scale+dy, col)
				}
			}
		}
	}
	drawText(img, 4, captionHeight-5, caption, color.RGBA{255, 255, 255, 255})
	return img
}

func clampByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
