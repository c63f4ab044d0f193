package image

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"

	"github.com/disintegration/imaging"
	"github.com/not-nullexception/image-reducer/internal/logger"
	"github.com/not-nullexception/image-reducer/internal/session"
	"github.com/not-nullexception/image-reducer/internal/tracing"
	"github.com/not-nullexception/image-reducer/internal/worker"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	_ "golang.org/x/image/webp"
)

const (
	// DefaultMaxIteration bounds the quality/dimension search
	DefaultMaxIteration = 10

	// DefaultMaxPixels bounds the decoded size of a source image (100 MP)
	DefaultMaxPixels = 100_000_000

	// Each search step scales quality and both dimensions by this factor
	stepFactor = 0.95
)

// Processor is the default session.Compressor
type Processor struct {
	pool         *worker.Pool
	maxIteration int
	maxPixels    int64
	logger       zerolog.Logger
}

// New returns a processor that runs background compressions on pool. A nil
// pool runs everything on the calling goroutine.
func New(pool *worker.Pool) *Processor {
	return &Processor{
		pool:         pool,
		maxIteration: DefaultMaxIteration,
		maxPixels:    DefaultMaxPixels,
		logger:       logger.GetLogger("image-processor"),
	}
}

// Compress reduces src until it fits c. Every failure wraps session.ErrCompressionFailed.
func (p *Processor) Compress(ctx context.Context, src session.Source, c session.Constraints) (*session.Result, error) {
	if !c.Background || p.pool == nil {
		return p.compress(ctx, src, c)
	}

	var result *session.Result
	err := p.pool.Do(ctx, func(ctx context.Context) error {
		r, err := p.compress(ctx, src, c)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if errors.Is(err, session.ErrCompressionFailed) {
			return nil, err
		}
		return nil, wrap(err)
	}
	return result, nil
}

func (p *Processor) compress(ctx context.Context, src session.Source, c session.Constraints) (*session.Result, error) {
	reqLogger := logger.FromContext(ctx)

	if err := ctx.Err(); err != nil {
		return nil, wrap(err)
	}

	// Decode config first to learn the source format
	cfg, srcFormat, err := image.DecodeConfig(bytes.NewReader(src.Data))
	if err != nil {
		return nil, wrap(fmt.Errorf("error decoding image config: %w", err))
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > p.maxPixels {
		return nil, wrap(fmt.Errorf("image of %dx%d exceeds %d pixels", cfg.Width, cfg.Height, p.maxPixels))
	}

	img, err := imaging.Decode(bytes.NewReader(src.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, wrap(fmt.Errorf("error decoding image: %w", err))
	}

	outFormat, err := outputFormat(c.OutputFormat, srcFormat)
	if err != nil {
		return nil, wrap(err)
	}

	bounds := img.Bounds()
	originalWidth, originalHeight := bounds.Dx(), bounds.Dy()
	if originalWidth == 0 || originalHeight == 0 {
		return nil, wrap(fmt.Errorf("image has no pixels"))
	}

	reqLogger.Debug().
		Str("format", srcFormat).
		Int("original_width", cfg.Width).
		Int("original_height", cfg.Height).
		Int("original_size", len(src.Data)).
		Str("output_format", outFormat.String()).
		Msg("Image details")

	// Bound the longest side
	width, height := fitWithin(originalWidth, originalHeight, c.MaxWidthOrHeight)
	resized := width != originalWidth || height != originalHeight

	quality := c.InitialQuality
	current := resize(img, width, height)
	data, err := encode(current, outFormat, quality)
	if err != nil {
		return nil, wrap(err)
	}

	maxBytes := int64(c.MaxSizeMB * 1024 * 1024)
	for i := 0; i < p.maxIteration && int64(len(data)) > maxBytes; i++ {
		if err := ctx.Err(); err != nil {
			return nil, wrap(err)
		}

		nextWidth := int(math.Round(float64(width) * stepFactor))
		nextHeight := int(math.Round(float64(height) * stepFactor))
		if nextWidth < 1 || nextHeight < 1 {
			break
		}
		width, height = nextWidth, nextHeight
		resized = true

		if outFormat == imaging.JPEG {
			quality *= stepFactor
		}

		current = resize(img, width, height)
		data, err = encode(current, outFormat, quality)
		if err != nil {
			return nil, wrap(err)
		}

		reqLogger.Debug().
			Int("iteration", i+1).
			Int("width", width).
			Int("height", height).
			Float64("quality", quality).
			Int("size", len(data)).
			Msg("Compression step")
		tracing.AddEvent(ctx, "image.compression_step",
			attribute.Int("iteration", i+1),
			attribute.Int("size", len(data)),
		)
	}

	// Keep the original when re-encoding gained nothing
	if !resized && sameFormat(outFormat, srcFormat) && len(data) >= len(src.Data) {
		reqLogger.Debug().Msg("No reduction achieved, keeping original image")
		return &session.Result{
			Data:        src.Data,
			ContentType: contentType(outFormat),
			Width:       originalWidth,
			Height:      originalHeight,
		}, nil
	}

	return &session.Result{
		Data:        data,
		ContentType: contentType(outFormat),
		Width:       width,
		Height:      height,
	}, nil
}

// fitWithin scales w×h down so the longest side is at most limit, keeping the
// aspect ratio. A non-positive limit disables the bound.
func fitWithin(w, h, limit int) (int, int) {
	if limit <= 0 || (w <= limit && h <= limit) {
		return w, h
	}

	scale := math.Min(float64(limit)/float64(w), float64(limit)/float64(h))
	nw := max(1, int(math.Round(float64(w)*scale)))
	nh := max(1, int(math.Round(float64(h)*scale)))
	return nw, nh
}

func resize(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	return imaging.Resize(img, width, height, imaging.Lanczos)
}

func encode(img image.Image, format imaging.Format, quality float64) ([]byte, error) {
	var buf bytes.Buffer

	var err error
	switch format {
	case imaging.JPEG:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality(quality)))
	case imaging.PNG:
		err = imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
	if err != nil {
		return nil, fmt.Errorf("error encoding image: %w", err)
	}
	return buf.Bytes(), nil
}

// outputFormat picks the encoder: the requested one, else the source's own,
// else JPEG for sources without an encoder here
func outputFormat(requested, source string) (imaging.Format, error) {
	switch requested {
	case "jpeg":
		return imaging.JPEG, nil
	case "png":
		return imaging.PNG, nil
	case "":
	default:
		return 0, fmt.Errorf("unsupported output format: %s", requested)
	}

	if source == "png" {
		return imaging.PNG, nil
	}
	return imaging.JPEG, nil
}

func sameFormat(f imaging.Format, source string) bool {
	return (f == imaging.JPEG && source == "jpeg") || (f == imaging.PNG && source == "png")
}

func jpegQuality(q float64) int {
	return min(100, max(1, int(math.Round(q*100))))
}

func contentType(f imaging.Format) string {
	if f == imaging.PNG {
		return "image/png"
	}
	return "image/jpeg"
}

func wrap(err error) error {
	return fmt.Errorf("%w: %w", session.ErrCompressionFailed, err)
}
