package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/not-nullexception/image-reducer/internal/artifact"
	"github.com/not-nullexception/image-reducer/internal/logger"
	"github.com/not-nullexception/image-reducer/internal/metrics"
	"github.com/not-nullexception/image-reducer/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Original is the selected image
type Original struct {
	Name     string
	Size     int64
	MimeType string
	data     []byte
	preview  *artifact.Lease
}

// Compressed is the artifact of the last successful compression
type Compressed struct {
	Width  int
	Height int
	lease  *artifact.Lease
}

// Download is the file handed to the user. Body is opened while the
// artifact is still referenced; the caller closes it.
type Download struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.ReadCloser
}

// Session holds the state of one upload/compress/download cycle. All methods
// are safe for concurrent use; the compressor runs outside the lock.
type Session struct {
	id         uuid.UUID
	store      artifact.Store
	compressor Compressor
	now        func() time.Time

	mu         sync.Mutex
	phase      Phase
	params     Params
	format     Format
	mode       FormatMode
	original   *Original
	compressed *Compressed
	modalOpen  bool
	errMsg     string
	generation uint64
	lastActive time.Time
	closed     bool
}

// New creates an idle session
func New(store artifact.Store, compressor Compressor, opts Options) *Session {
	return newSession(uuid.New(), store, compressor, opts, time.Now)
}

func newSession(id uuid.UUID, store artifact.Store, compressor Compressor, opts Options, now func() time.Time) *Session {
	return &Session{
		id:         id,
		store:      store,
		compressor: compressor,
		now:        now,
		phase:      PhaseIdle,
		params:     opts.Defaults,
		format:     opts.Format,
		mode:       opts.FormatMode,
		lastActive: now(),
	}
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

// Select replaces the original image. Any artifact, error and open modal are
// cleared, and a compression still running for the previous image is
// discarded when it completes.
func (s *Session) Select(ctx context.Context, name string, data []byte) (View, error) {
	reqLogger := logger.FromContext(ctx)

	mimeType := mimetype.Detect(data).String()
	preview, err := artifact.Acquire(ctx, s.store, data, mimeType)
	if err != nil {
		reqLogger.Error().Err(err).Str("session_id", s.id.String()).Msg("Failed to store original image")
		return s.View(), err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		releaseAll(ctx, preview)
		return View{}, ErrSessionClosed
	}

	var stale []*artifact.Lease
	if s.original != nil {
		stale = append(stale, s.original.preview)
	}
	if s.compressed != nil {
		stale = append(stale, s.compressed.lease)
	}

	s.original = &Original{
		Name:     name,
		Size:     int64(len(data)),
		MimeType: mimeType,
		data:     data,
		preview:  preview,
	}
	s.compressed = nil
	s.errMsg = ""
	s.modalOpen = false
	s.generation++
	s.phase, _ = Next(s.phase, EventSelect)
	s.touch()
	view := s.viewLocked()
	s.mu.Unlock()

	releaseAll(ctx, stale...)

	reqLogger.Info().
		Str("session_id", s.id.String()).
		Str("filename", name).
		Str("mime_type", mimeType).
		Int("size", len(data)).
		Msg("Image selected")

	return view, nil
}

// SetParams replaces all parameters. Out-of-range values are rejected with a
// *ValidationError and the previous values are kept.
func (s *Session) SetParams(p Params) (View, error) {
	return s.EditParams(ParamsPatch{
		TargetSizeKB: &p.TargetSizeKB,
		Quality:      &p.Quality,
		MaxWidth:     &p.MaxWidth,
		MaxHeight:    &p.MaxHeight,
	})
}

// EditParams changes the given fields. The phase does not change and the
// existing artifact is not touched; the values apply to the next compression.
func (s *Session) EditParams(patch ParamsPatch) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return View{}, ErrSessionClosed
	}

	next := patch.Apply(s.params)
	if err := next.Validate(); err != nil {
		return s.viewLocked(), err
	}

	s.params = next
	s.touch()
	return s.viewLocked(), nil
}

// SelectFormat changes the download format
func (s *Session) SelectFormat(f string) (View, error) {
	format, err := ParseFormat(f)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return View{}, ErrSessionClosed
	}
	if err != nil {
		return s.viewLocked(), err
	}

	s.format = format
	s.touch()
	return s.viewLocked(), nil
}

// OpenModal shows the download dialog again. It is a no-op without an artifact.
func (s *Session) OpenModal() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.compressed != nil && !s.closed {
		s.modalOpen = true
		s.touch()
	}
	return s.viewLocked()
}

// CloseModal dismisses the download dialog
func (s *Session) CloseModal() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.modalOpen = false
	s.touch()
	return s.viewLocked()
}

type compressJob struct {
	generation  uint64
	source      Source
	constraints Constraints
	previous    *artifact.Lease
}

// Compress runs the compressor on the selected image and waits for it. It is
// a no-op without an image and while another compression is running.
// Compressor failures are not returned: they move the session to PhaseError
// with CompressionFailedMessage.
func (s *Session) Compress(ctx context.Context) (View, error) {
	job, view, err := s.begin()
	if err != nil || job == nil {
		return view, err
	}
	return s.complete(ctx, job), nil
}

// StartCompress moves the session to PhaseCompressing and hands the
// compression to spawn. The returned view shows the compressing state.
func (s *Session) StartCompress(ctx context.Context, spawn func(func()) error) (View, error) {
	job, view, err := s.begin()
	if err != nil || job == nil {
		return view, err
	}

	if err := spawn(func() { s.complete(ctx, job) }); err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("session_id", s.id.String()).Msg("Failed to schedule compression")
		view, _ := s.finish(ctx, job, nil, err)
		return view, nil
	}
	return view, nil
}

func (s *Session) begin() (*compressJob, View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, View{}, ErrSessionClosed
	}
	if s.original == nil {
		return nil, s.viewLocked(), nil
	}

	next, ok := Next(s.phase, EventCompressStart)
	if !ok {
		// Already compressing
		return nil, s.viewLocked(), nil
	}

	s.phase = next
	s.errMsg = ""
	s.modalOpen = false
	s.touch()

	job := &compressJob{
		generation: s.generation,
		source: Source{
			Name:     s.original.Name,
			MimeType: s.original.MimeType,
			Data:     s.original.data,
		},
		constraints: s.params.Constraints(s.format, s.mode),
	}
	return job, s.viewLocked(), nil
}

func (s *Session) complete(ctx context.Context, job *compressJob) View {
	ctx, span := tracing.StartSpan(ctx, "session.compress",
		attribute.String("session.id", s.id.String()),
		attribute.Float64("constraints.max_size_mb", job.constraints.MaxSizeMB),
		attribute.Int("constraints.max_width_or_height", job.constraints.MaxWidthOrHeight),
		attribute.Float64("constraints.initial_quality", job.constraints.InitialQuality),
	)
	defer span.End()

	reqLogger := logger.FromContext(ctx)
	reqLogger.Info().
		Str("session_id", s.id.String()).
		Float64("max_size_mb", job.constraints.MaxSizeMB).
		Int("max_width_or_height", job.constraints.MaxWidthOrHeight).
		Float64("initial_quality", job.constraints.InitialQuality).
		Str("output_format", job.constraints.OutputFormat).
		Msg("Compressing image")

	start := time.Now()
	result, err := s.compressor.Compress(ctx, job.source, job.constraints)
	if err == nil && result == nil {
		err = ErrCompressionFailed
	}

	var lease *artifact.Lease
	if err == nil {
		lease, err = artifact.Acquire(ctx, s.store, result.Data, result.ContentType)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		view, applied := s.finish(ctx, job, nil, err)
		if applied {
			metrics.RecordCompression(ctx, metrics.StatusFailed, start)
		}
		return view
	}

	view, applied := s.finish(ctx, job, &Compressed{Width: result.Width, Height: result.Height, lease: lease}, nil)
	if applied {
		metrics.RecordCompression(ctx, metrics.StatusSuccess, start)
		metrics.RecordSizeReduction(ctx, int64(len(job.source.Data)), int64(len(result.Data)))
	}
	return view
}

// finish applies a compression outcome unless the session moved on. It
// reports whether the outcome was applied; discarded outcomes count as stale.
func (s *Session) finish(ctx context.Context, job *compressJob, compressed *Compressed, cause error) (View, bool) {
	reqLogger := logger.FromContext(ctx)

	s.mu.Lock()
	if s.closed || job.generation != s.generation || s.phase != PhaseCompressing {
		view := s.viewLocked()
		s.mu.Unlock()

		if compressed != nil {
			releaseAll(ctx, compressed.lease)
		}
		metrics.CompressionsTotal.WithLabelValues(metrics.StatusStale).Inc()
		reqLogger.Info().Str("session_id", s.id.String()).Msg("Discarding result of superseded compression")
		return view, false
	}

	var stale *artifact.Lease
	if s.compressed != nil {
		stale = s.compressed.lease
	}

	if cause != nil {
		s.phase, _ = Next(s.phase, EventCompressFailed)
		s.compressed = nil
		s.errMsg = CompressionFailedMessage
	} else {
		s.phase, _ = Next(s.phase, EventCompressSucceeded)
		s.compressed = compressed
		s.errMsg = ""
		s.modalOpen = true
	}
	s.touch()
	view := s.viewLocked()
	s.mu.Unlock()

	releaseAll(ctx, stale)

	if cause != nil {
		reqLogger.Error().Err(cause).Str("session_id", s.id.String()).Msg("Compression error")
	} else {
		reqLogger.Info().
			Str("session_id", s.id.String()).
			Int64("original_size", view.Original.Size).
			Int64("compressed_size", view.Compressed.Size).
			Int("width", compressed.Width).
			Int("height", compressed.Height).
			Msg("Image compressed")
	}
	return view, true
}

// Download returns the artifact under the selected file name and closes the
// modal. It returns nil when there is no artifact.
func (s *Session) Download(ctx context.Context) (*Download, View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, View{}, ErrSessionClosed
	}
	if s.compressed == nil {
		return nil, s.viewLocked(), nil
	}

	next, ok := Next(s.phase, EventDownload)
	if !ok {
		return nil, s.viewLocked(), nil
	}

	ref := s.compressed.lease.Ref()
	body, err := s.compressed.lease.Open(ctx)
	if err != nil {
		return nil, s.viewLocked(), fmt.Errorf("error opening compressed image: %w", err)
	}

	s.phase = next
	s.modalOpen = false
	s.touch()

	logger.FromContext(ctx).Info().
		Str("session_id", s.id.String()).
		Str("filename", s.format.Filename()).
		Str("content_type", ref.ContentType).
		Msg("Download requested")

	return &Download{
		Filename:    s.format.Filename(),
		ContentType: ref.ContentType,
		Size:        ref.Size,
		Body:        body,
	}, s.viewLocked(), nil
}

// View returns what the session currently shows
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// LastActive returns the time of the last state change
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Close ends the session and releases every stored reference
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closeLocked(ctx)
}

// closeIfIdle ends the session only if it has not been active since cutoff
// and no compression is running. Both are checked under the session lock.
func (s *Session) closeIfIdle(ctx context.Context, cutoff time.Time) bool {
	s.mu.Lock()
	if s.closed || s.phase == PhaseCompressing || !s.lastActive.Before(cutoff) {
		s.mu.Unlock()
		return false
	}
	s.closeLocked(ctx)
	return true
}

// closeLocked marks the session closed and unlocks it before releasing
func (s *Session) closeLocked(ctx context.Context) {
	var leases []*artifact.Lease
	if s.original != nil {
		leases = append(leases, s.original.preview)
	}
	if s.compressed != nil {
		leases = append(leases, s.compressed.lease)
	}
	s.closed = true
	s.original = nil
	s.compressed = nil
	s.modalOpen = false
	s.mu.Unlock()

	releaseAll(ctx, leases...)
	logger.FromContext(ctx).Debug().Str("session_id", s.id.String()).Msg("Session closed")
}

func (s *Session) touch() {
	s.lastActive = s.now()
}

func releaseAll(ctx context.Context, leases ...*artifact.Lease) {
	for _, l := range leases {
		if err := l.Release(ctx); err != nil {
			logger.FromContext(ctx).Warn().Err(err).Str("artifact_id", l.Ref().ID).Msg("Could not release artifact")
		}
	}
}
