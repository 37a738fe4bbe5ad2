package artifact

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrTooLarge is returned for inputs above the byte ceiling. They are never read.
	ErrTooLarge = errors.New("input exceeds size ceiling")
	// ErrTooManyPixels is returned when the declared dimensions exceed the pixel ceiling
	ErrTooManyPixels = errors.New("input exceeds pixel ceiling")
	// ErrUnsupportedFormat is returned when no decoder recognises the input
	ErrUnsupportedFormat = errors.New("unsupported image format")
)

// Sources up to this many pixels get the sharper resampler
const smallSourcePixels = 4_000_000

// Config contains proof rendering settings
type Config struct {
	MaxDimension  int
	Quality       int
	WatermarkText string
	MaxInputBytes int64
	MaxPixels     int64
	TempDir       string
}

// Generator renders downsized, watermarked JPEG proofs
type Generator struct {
	config Config
	logger *zap.Logger
}

// New creates a proof generator
func New(config Config, logger *zap.Logger) *Generator {
	if config.TempDir == "" {
		config.TempDir = os.TempDir()
	}
	return &Generator{
		config: config,
		logger: logger.Named("artifact"),
	}
}

// Generate renders the proof for the original at path into a new temp
// file and returns its path. The caller removes the file. Every
// rejection is logged once here.
func (g *Generator) Generate(path string, imageID int64) (string, error) {
	start := time.Now()

	out, err := g.generate(path, imageID)
	if err != nil {
		g.logger.Warn("Proof generation failed",
			zap.String("path", path),
			zap.Int64("image_id", imageID),
			zap.Error(err),
		)
		return "", err
	}

	g.logger.Debug("Proof generated",
		zap.Int64("image_id", imageID),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}

func (g *Generator) generate(path string, imageID int64) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() > g.config.MaxInputBytes {
		return "", fmt.Errorf("%w: %s > %s", ErrTooLarge,
			humanize.IBytes(uint64(info.Size())), humanize.IBytes(uint64(g.config.MaxInputBytes)))
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	// Ping: dimensions and format without decoding pixels
	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > g.config.MaxPixels {
		return "", fmt.Errorf("%w: %dx%d %s", ErrTooManyPixels, cfg.Width, cfg.Height, format)
	}

	if _, err := f.Seek(0, 0); err != nil {
		return "", err
	}
	src, _, err := image.Decode(f)
	if err != nil {
		return "", fmt.Errorf("failed to decode %s: %w", format, err)
	}

	proof := resize(src, g.config.MaxDimension)
	watermark(proof, g.config.WatermarkText, imageID)

	return g.encode(proof)
}

func (g *Generator) encode(img image.Image) (string, error) {
	out, err := os.CreateTemp(g.config.TempDir, "proof-*.jpg")
	if err != nil {
		return "", fmt.Errorf("failed to create proof file: %w", err)
	}

	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: g.config.Quality}); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("failed to encode proof: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}

// resize fits src within maxDim on its longest side. Smaller sources are
// copied unscaled.
func resize(src image.Image, maxDim int) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxDim {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}

	scale := float64(maxDim) / float64(longest)
	nw := max(1, int(float64(w)*scale+0.5))
	nh := max(1, int(float64(h)*scale+0.5))
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))

	var interp draw.Interpolator = draw.CatmullRom
	if w*h > smallSourcePixels {
		interp = draw.ApproxBiLinear
	}
	interp.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
