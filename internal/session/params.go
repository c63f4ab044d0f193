package session

import (
	"fmt"
	"math"
	"strings"

	"github.com/not-nullexception/image-reducer/config"
)

const (
	MaxTargetSizeKB = 100 * 1024
	MaxDimension    = 16384
)

// Params are the user-editable compression parameters
type Params struct {
	TargetSizeKB float64 `json:"target_size_kb"`
	Quality      float64 `json:"quality"`
	MaxWidth     int     `json:"max_width"`
	MaxHeight    int     `json:"max_height"`
}

// ParamsPatch edits a subset of Params; nil fields are left unchanged
type ParamsPatch struct {
	TargetSizeKB *float64 `json:"target_size_kb"`
	Quality      *float64 `json:"quality"`
	MaxWidth     *int     `json:"max_width"`
	MaxHeight    *int     `json:"max_height"`
}

// Apply returns p with the patch's fields replaced
func (pp ParamsPatch) Apply(p Params) Params {
	if pp.TargetSizeKB != nil {
		p.TargetSizeKB = *pp.TargetSizeKB
	}
	if pp.Quality != nil {
		p.Quality = *pp.Quality
	}
	if pp.MaxWidth != nil {
		p.MaxWidth = *pp.MaxWidth
	}
	if pp.MaxHeight != nil {
		p.MaxHeight = *pp.MaxHeight
	}
	return p
}

// Validate checks every field against its accepted range
func (p Params) Validate() error {
	switch {
	case math.IsNaN(p.TargetSizeKB) || p.TargetSizeKB <= 0 || p.TargetSizeKB > MaxTargetSizeKB:
		return &ValidationError{Field: "target_size_kb", Value: p.TargetSizeKB, Reason: fmt.Sprintf("must be in (0, %d]", MaxTargetSizeKB)}
	case math.IsNaN(p.Quality) || p.Quality <= 0 || p.Quality > 1:
		return &ValidationError{Field: "quality", Value: p.Quality, Reason: "must be in (0, 1]"}
	case p.MaxWidth < 1 || p.MaxWidth > MaxDimension:
		return &ValidationError{Field: "max_width", Value: p.MaxWidth, Reason: fmt.Sprintf("must be in [1, %d]", MaxDimension)}
	case p.MaxHeight < 1 || p.MaxHeight > MaxDimension:
		return &ValidationError{Field: "max_height", Value: p.MaxHeight, Reason: fmt.Sprintf("must be in [1, %d]", MaxDimension)}
	}
	return nil
}

// Format is the extension offered for the download
type Format string

const (
	FormatJPG  Format = "jpg"
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatIMG  Format = "img"
)

// Formats lists the selectable formats in display order
var Formats = []Format{FormatJPG, FormatPNG, FormatJPEG, FormatIMG}

// ParseFormat accepts one of Formats, case-insensitively
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", &ValidationError{Field: "format", Value: s, Reason: "must be one of jpg, png, jpeg, img"}
}

// Filename returns the name a download in this format is saved under
func (f Format) Filename() string {
	return "compressed-image." + string(f)
}

// Encoding returns the encoder the format maps to, or "" when the format does
// not name one
func (f Format) Encoding() string {
	switch f {
	case FormatJPG, FormatJPEG:
		return "jpeg"
	case FormatPNG:
		return "png"
	default:
		return ""
	}
}

// FormatMode decides whether the selected format changes the produced bytes
type FormatMode string

const (
	FormatModeLabel  FormatMode = config.FormatModeLabel
	FormatModeEncode FormatMode = config.FormatModeEncode
)

// Constraints is what the compressor receives
type Constraints struct {
	MaxSizeMB        float64 `json:"max_size_mb"`
	MaxWidthOrHeight int     `json:"max_width_or_height"`
	InitialQuality   float64 `json:"initial_quality"`
	Background       bool    `json:"background"`
	// OutputFormat is "jpeg", "png" or empty for the source encoding
	OutputFormat string `json:"output_format,omitempty"`
}

// Constraints derives the compressor constraints from p
func (p Params) Constraints(format Format, mode FormatMode) Constraints {
	c := Constraints{
		MaxSizeMB:        p.TargetSizeKB / 1024,
		MaxWidthOrHeight: max(p.MaxWidth, p.MaxHeight),
		InitialQuality:   p.Quality,
		Background:       true,
	}
	if mode == FormatModeEncode {
		c.OutputFormat = format.Encoding()
	}
	return c
}

// Options are the initial values of new sessions
type Options struct {
	Defaults   Params
	Format     Format
	FormatMode FormatMode
}

// OptionsFromConfig builds and validates session options
func OptionsFromConfig(cfg *config.ReducerConfig) (Options, error) {
	opts := Options{
		Defaults: Params{
			TargetSizeKB: cfg.TargetSizeKB,
			Quality:      cfg.Quality,
			MaxWidth:     cfg.MaxWidth,
			MaxHeight:    cfg.MaxHeight,
		},
		FormatMode: FormatMode(cfg.FormatMode),
	}

	if err := opts.Defaults.Validate(); err != nil {
		return Options{}, fmt.Errorf("error validating default parameters: %w", err)
	}

	format, err := ParseFormat(cfg.Format)
	if err != nil {
		return Options{}, fmt.Errorf("error validating default format: %w", err)
	}
	opts.Format = format

	switch opts.FormatMode {
	case FormatModeLabel, FormatModeEncode:
	default:
		return Options{}, fmt.Errorf("unknown format mode: %s", opts.FormatMode)
	}

	return opts, nil
}
