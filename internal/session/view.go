package session

import (
	"fmt"

	"github.com/not-nullexception/image-reducer/internal/artifact"
)

const (
	compressLabel    = "Compress Image"
	compressingLabel = "Compressing..."
	progressMessage  = "Compressing image, please wait..."
)

// View is the render model of a session: everything a client needs to draw
// the form, the compress control, the previews and the download dialog.
type View struct {
	ID              string          `json:"id"`
	Phase           Phase           `json:"phase"`
	Params          Params          `json:"params"`
	Format          Format          `json:"format"`
	Formats         []Format        `json:"formats"`
	FormatMode      FormatMode      `json:"format_mode"`
	ShowParams      bool            `json:"show_params"`
	CompressEnabled bool            `json:"compress_enabled"`
	CompressLabel   string          `json:"compress_label"`
	Progress        string          `json:"progress,omitempty"`
	Error           string          `json:"error,omitempty"`
	Original        *OriginalView   `json:"original,omitempty"`
	Compressed      *CompressedView `json:"compressed,omitempty"`
	ModalOpen       bool            `json:"modal_open"`
}

type OriginalView struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	SizeKB   string `json:"size_kb"`
	URL      string `json:"url"`
}

type CompressedView struct {
	URL             string `json:"url"`
	ContentType     string `json:"content_type"`
	Size            int64  `json:"size"`
	SizeKB          string `json:"size_kb"`
	EstimatedSizeKB string `json:"estimated_size_kb"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	Filename        string `json:"filename"`
}

func (s *Session) viewLocked() View {
	v := View{
		ID:            s.id.String(),
		Phase:         s.phase,
		Params:        s.params,
		Format:        s.format,
		Formats:       Formats,
		FormatMode:    s.mode,
		CompressLabel: compressLabel,
		Error:         s.errMsg,
		ModalOpen:     s.modalOpen,
	}

	if s.phase == PhaseCompressing {
		v.CompressLabel = compressingLabel
		v.Progress = progressMessage
	}

	if s.original != nil {
		ref := leaseRef(s.original.preview)
		v.ShowParams = true
		v.CompressEnabled = s.phase != PhaseCompressing
		v.Original = &OriginalView{
			Name:     s.original.Name,
			MimeType: s.original.MimeType,
			Size:     s.original.Size,
			SizeKB:   kilobytes(s.original.Size),
			URL:      ref.URL,
		}
	}

	if s.compressed != nil {
		ref := leaseRef(s.compressed.lease)
		v.Compressed = &CompressedView{
			URL:             ref.URL,
			ContentType:     ref.ContentType,
			Size:            ref.Size,
			SizeKB:          kilobytes(ref.Size),
			EstimatedSizeKB: fmt.Sprintf("%.2f", s.params.TargetSizeKB),
			Width:           s.compressed.Width,
			Height:          s.compressed.Height,
			Filename:        s.format.Filename(),
		}
	}

	return v
}

func leaseRef(l *artifact.Lease) artifact.Ref {
	if l == nil {
		return artifact.Ref{}
	}
	return l.Ref()
}

func kilobytes(size int64) string {
	return fmt.Sprintf("%.2f", float64(size)/1024)
}
