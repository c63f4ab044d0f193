package session

import "context"

// Source is the selected image as handed to the compressor
type Source struct {
	Name     string
	MimeType string
	Data     []byte
}

// Result is the compressor output
type Result struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// Compressor reduces an image under the given constraints. Any failure is
// reported as an error; callers do not distinguish causes.
type Compressor interface {
	Compress(ctx context.Context, src Source, c Constraints) (*Result, error)
}

// CompressorFunc adapts a function to Compressor
type CompressorFunc func(ctx context.Context, src Source, c Constraints) (*Result, error)

func (f CompressorFunc) Compress(ctx context.Context, src Source, c Constraints) (*Result, error) {
	return f(ctx, src, c)
}
