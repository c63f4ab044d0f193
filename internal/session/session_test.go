package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/not-nullexception/image-reducer/internal/artifact/memory"
	"github.com/not-nullexception/image-reducer/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompressor struct {
	mu      sync.Mutex
	calls   []Constraints
	sources []Source
	result  *Result
	err     error
	started chan struct{}
	release chan struct{}
}

func newFakeCompressor() *fakeCompressor {
	return &fakeCompressor{
		result: &Result{Data: []byte("compressed-jpeg"), ContentType: "image/jpeg", Width: 800, Height: 600},
	}
}

func (f *fakeCompressor) Compress(ctx context.Context, src Source, c Constraints) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.sources = append(f.sources, src)
	started, release := f.started, f.release
	result, err := f.result, f.err
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return result, err
}

func (f *fakeCompressor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCompressor) lastCall() Constraints {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func testOptions() Options {
	return Options{
		Defaults:   Params{TargetSizeKB: 500, Quality: 0.8, MaxWidth: 1024, MaxHeight: 1024},
		Format:     FormatJPG,
		FormatMode: FormatModeLabel,
	}
}

func newTestSession(t *testing.T, c Compressor) (*Session, *memory.Store) {
	t.Helper()
	store := memory.NewStore("/api/artifacts")
	return New(store, c, testOptions()), store
}

func goSpawn(fn func()) error {
	go fn()
	return nil
}

func TestSelectClearsArtifactAndError(t *testing.T) {
	fc := newFakeCompressor()
	s, store := newTestSession(t, fc)
	ctx := t.Context()

	_, err := s.Select(ctx, "a.jpg", []byte("first"))
	require.NoError(t, err)
	view, err := s.Compress(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseReady, view.Phase)
	require.NotNil(t, view.Compressed)

	view, err = s.Select(ctx, "b.jpg", []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, PhaseParametersSet, view.Phase)
	assert.Nil(t, view.Compressed)
	assert.Empty(t, view.Error)
	assert.False(t, view.ModalOpen)
	assert.Equal(t, "b.jpg", view.Original.Name)
	// Only the new original's preview is still referenced
	assert.Equal(t, 1, store.Len())

	fc.err = errors.New("decode failed")
	view, err = s.Compress(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseError, view.Phase)

	view, err = s.Select(ctx, "c.jpg", []byte("third"))
	require.NoError(t, err)
	assert.Equal(t, PhaseParametersSet, view.Phase)
	assert.Empty(t, view.Error)
}

func TestCompressWithoutImageIsNoop(t *testing.T) {
	fc := newFakeCompressor()
	s, store := newTestSession(t, fc)

	before := s.View()
	view, err := s.Compress(t.Context())
	require.NoError(t, err)

	assert.Equal(t, before, view)
	assert.Equal(t, PhaseIdle, view.Phase)
	assert.False(t, view.CompressEnabled)
	assert.False(t, view.ShowParams)
	assert.Equal(t, 0, fc.callCount())
	assert.Equal(t, 0, store.Len())
}

func TestDownloadWithoutArtifactIsNoop(t *testing.T) {
	s, _ := newTestSession(t, newFakeCompressor())
	ctx := t.Context()

	dl, view, err := s.Download(ctx)
	require.NoError(t, err)
	assert.Nil(t, dl)
	assert.Equal(t, PhaseIdle, view.Phase)

	_, err = s.Select(ctx, "a.jpg", []byte("data"))
	require.NoError(t, err)

	dl, view, err = s.Download(ctx)
	require.NoError(t, err)
	assert.Nil(t, dl)
	assert.Equal(t, PhaseParametersSet, view.Phase)
}

func TestCompressWhileInFlightIsInert(t *testing.T) {
	fc := newFakeCompressor()
	fc.started = make(chan struct{}, 1)
	fc.release = make(chan struct{})
	s, _ := newTestSession(t, fc)
	ctx := t.Context()

	_, err := s.Select(ctx, "a.jpg", []byte("data"))
	require.NoError(t, err)

	view, err := s.StartCompress(ctx, goSpawn)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompressing, view.Phase)
	assert.False(t, view.CompressEnabled)
	assert.Equal(t, compressingLabel, view.CompressLabel)
	assert.Equal(t, progressMessage, view.Progress)
	<-fc.started

	view, err = s.Compress(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompressing, view.Phase)

	view, err = s.StartCompress(ctx, goSpawn)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompressing, view.Phase)
	assert.Equal(t, 1, fc.callCount())

	close(fc.release)
	require.Eventually(t, func() bool { return s.View().Phase == PhaseReady }, time.Second, time.Millisecond)
	assert.Equal(t, 1, fc.callCount())
}

func TestCompressOutcome(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantPhase Phase
		wantError string
		wantModal bool
		wantStore int
	}{
		{
			name:      "success",
			wantPhase: PhaseReady,
			wantModal: true,
			wantStore: 2,
		},
		{
			name:      "failure",
			err:       errors.New("unsupported format"),
			wantPhase: PhaseError,
			wantError: CompressionFailedMessage,
			wantStore: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fc := newFakeCompressor()
			fc.err = tc.err
			s, store := newTestSession(t, fc)

			_, err := s.Select(t.Context(), "a.jpg", []byte("data"))
			require.NoError(t, err)

			view, err := s.Compress(t.Context())
			require.NoError(t, err)

			assert.Equal(t, tc.wantPhase, view.Phase)
			assert.Equal(t, tc.wantError, view.Error)
			assert.Equal(t, tc.wantModal, view.ModalOpen)
			assert.Equal(t, tc.err == nil, view.Compressed != nil)
			assert.True(t, view.CompressEnabled)
			assert.Empty(t, view.Progress)
			assert.Equal(t, tc.wantStore, store.Len())
		})
	}
}

func TestCompressEndToEnd(t *testing.T) {
	fc := newFakeCompressor()
	s, _ := newTestSession(t, fc)
	ctx := t.Context()

	image := make([]byte, 2048*1024)
	view, err := s.Select(ctx, "photo.jpg", image)
	require.NoError(t, err)
	assert.Equal(t, "2048.00", view.Original.SizeKB)

	_, err = s.SetParams(Params{TargetSizeKB: 500, Quality: 0.8, MaxWidth: 1024, MaxHeight: 1024})
	require.NoError(t, err)

	view, err = s.Compress(ctx)
	require.NoError(t, err)

	got := fc.lastCall()
	assert.InDelta(t, 0.488, got.MaxSizeMB, 0.001)
	assert.Equal(t, 1024, got.MaxWidthOrHeight)
	assert.Equal(t, 0.8, got.InitialQuality)
	assert.True(t, got.Background)
	assert.Empty(t, got.OutputFormat)

	assert.Equal(t, PhaseReady, view.Phase)
	assert.True(t, view.ModalOpen)
	assert.Equal(t, "500.00", view.Compressed.EstimatedSizeKB)
}

func TestCompressFailureEndToEnd(t *testing.T) {
	fc := newFakeCompressor()
	fc.result = nil
	fc.err = errors.New("out of memory")
	s, _ := newTestSession(t, fc)

	_, err := s.Select(t.Context(), "a.png", []byte("data"))
	require.NoError(t, err)

	view, err := s.Compress(t.Context())
	require.NoError(t, err)

	assert.Equal(t, PhaseError, view.Phase)
	assert.Equal(t, "Failed to compress the image. Please try again with different settings.", view.Error)
	assert.Nil(t, view.Compressed)
	assert.NotEqual(t, PhaseCompressing, view.Phase)
	assert.True(t, view.CompressEnabled)
}

func TestDownloadUsesSelectedFormatOnly(t *testing.T) {
	fc := newFakeCompressor()
	s, _ := newTestSession(t, fc)
	ctx := t.Context()

	_, err := s.Select(ctx, "a.jpg", []byte("data"))
	require.NoError(t, err)
	_, err = s.Compress(ctx)
	require.NoError(t, err)

	view, err := s.SelectFormat("png")
	require.NoError(t, err)
	assert.Equal(t, FormatPNG, view.Format)

	dl, view, err := s.Download(ctx)
	require.NoError(t, err)
	require.NotNil(t, dl)

	assert.Equal(t, "compressed-image.png", dl.Filename)
	assert.Equal(t, "image/jpeg", dl.ContentType)
	assert.Equal(t, PhaseReady, view.Phase)
	assert.False(t, view.ModalOpen)

	defer dl.Body.Close()
	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("compressed-jpeg"), data)
}

func TestDownloadBodySurvivesReselect(t *testing.T) {
	s, store := newTestSession(t, newFakeCompressor())
	ctx := t.Context()

	_, err := s.Select(ctx, "a.jpg", []byte("data"))
	require.NoError(t, err)
	_, err = s.Compress(ctx)
	require.NoError(t, err)

	dl, _, err := s.Download(ctx)
	require.NoError(t, err)
	require.NotNil(t, dl)
	defer dl.Body.Close()

	// A new selection releases the artifact before the body is read
	_, err = s.Select(ctx, "b.jpg", []byte("other"))
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())

	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("compressed-jpeg"), data)
}

func TestEditParamsDoesNotTouchArtifact(t *testing.T) {
	fc := newFakeCompressor()
	s, _ := newTestSession(t, fc)
	ctx := t.Context()

	_, err := s.Select(ctx, "a.jpg", []byte("data"))
	require.NoError(t, err)
	before, err := s.Compress(ctx)
	require.NoError(t, err)

	target, quality := 100.0, 0.3
	view, err := s.EditParams(ParamsPatch{TargetSizeKB: &target, Quality: &quality})
	require.NoError(t, err)

	assert.Equal(t, PhaseReady, view.Phase)
	assert.Equal(t, before.Compressed.URL, view.Compressed.URL)
	assert.Equal(t, before.Compressed.Size, view.Compressed.Size)
	assert.Equal(t, 1, fc.callCount())

	_, err = s.Compress(ctx)
	require.NoError(t, err)
	got := fc.lastCall()
	assert.InDelta(t, 100.0/1024, got.MaxSizeMB, 1e-9)
	assert.Equal(t, 0.3, got.InitialQuality)
}

func TestEditParamsRejectsOutOfRange(t *testing.T) {
	s, _ := newTestSession(t, newFakeCompressor())

	negative := -5.0
	view, err := s.EditParams(ParamsPatch{TargetSizeKB: &negative})
	require.ErrorIs(t, err, ErrInvalidParameter)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "target_size_kb", verr.Field)
	assert.Equal(t, testOptions().Defaults, view.Params)
}

func TestSelectFormatRejectsUnknown(t *testing.T) {
	s, _ := newTestSession(t, newFakeCompressor())

	view, err := s.SelectFormat("gif")
	require.ErrorIs(t, err, ErrInvalidParameter)
	assert.Equal(t, FormatJPG, view.Format)
}

func TestRecompressReleasesPreviousArtifact(t *testing.T) {
	fc := newFakeCompressor()
	s, store := newTestSession(t, fc)
	ctx := t.Context()

	_, err := s.Select(ctx, "a.jpg", []byte("data"))
	require.NoError(t, err)

	first, err := s.Compress(ctx)
	require.NoError(t, err)
	second, err := s.Compress(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, first.Compressed.URL, second.Compressed.URL)
	assert.Equal(t, 2, store.Len())

	fc.err = errors.New("boom")
	view, err := s.Compress(ctx)
	require.NoError(t, err)
	assert.Nil(t, view.Compressed)
	assert.Equal(t, 1, store.Len())

	s.Close(ctx)
	assert.Equal(t, 0, store.Len())

	_, err = s.Compress(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSelectDuringCompressionDiscardsResult(t *testing.T) {
	fc := newFakeCompressor()
	fc.started = make(chan struct{}, 1)
	fc.release = make(chan struct{})
	s, store := newTestSession(t, fc)
	ctx := t.Context()

	_, err := s.Select(ctx, "a.jpg", []byte("first"))
	require.NoError(t, err)

	done := make(chan View, 1)
	go func() {
		view, _ := s.Compress(ctx)
		done <- view
	}()
	<-fc.started

	view, err := s.Select(ctx, "b.jpg", []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, PhaseParametersSet, view.Phase)
	assert.True(t, view.CompressEnabled)

	close(fc.release)
	stale := <-done

	assert.Equal(t, PhaseParametersSet, stale.Phase)
	assert.Nil(t, stale.Compressed)
	assert.Equal(t, 1, store.Len())
}

func TestModalControls(t *testing.T) {
	s, _ := newTestSession(t, newFakeCompressor())
	ctx := t.Context()

	assert.False(t, s.OpenModal().ModalOpen)

	_, err := s.Select(ctx, "a.jpg", []byte("data"))
	require.NoError(t, err)
	view, err := s.Compress(ctx)
	require.NoError(t, err)
	require.True(t, view.ModalOpen)

	assert.False(t, s.CloseModal().ModalOpen)
	assert.True(t, s.OpenModal().ModalOpen)
}

func TestEncodeModeRequestsSelectedEncoding(t *testing.T) {
	tests := []struct {
		format Format
		want   string
	}{
		{format: FormatJPG, want: "jpeg"},
		{format: FormatJPEG, want: "jpeg"},
		{format: FormatPNG, want: "png"},
		{format: FormatIMG, want: ""},
	}

	for _, tc := range tests {
		t.Run(string(tc.format), func(t *testing.T) {
			fc := newFakeCompressor()
			opts := testOptions()
			opts.FormatMode = FormatModeEncode
			s := New(memory.NewStore("/a"), fc, opts)

			_, err := s.Select(t.Context(), "a.jpg", []byte("data"))
			require.NoError(t, err)
			_, err = s.SelectFormat(string(tc.format))
			require.NoError(t, err)
			_, err = s.Compress(t.Context())
			require.NoError(t, err)

			assert.Equal(t, tc.want, fc.lastCall().OutputFormat)
		})
	}
}

func TestStartCompressSpawnFailure(t *testing.T) {
	fc := newFakeCompressor()
	s, _ := newTestSession(t, fc)

	_, err := s.Select(t.Context(), "a.jpg", []byte("data"))
	require.NoError(t, err)

	view, err := s.StartCompress(t.Context(), func(func()) error { return errors.New("pool stopped") })
	require.NoError(t, err)
	assert.Equal(t, PhaseError, view.Phase)
	assert.Equal(t, CompressionFailedMessage, view.Error)
	assert.Equal(t, 0, fc.callCount())
}

func TestSelectRecordsMimeType(t *testing.T) {
	s, _ := newTestSession(t, newFakeCompressor())
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}

	view, err := s.Select(t.Context(), "not-really.jpg", png)
	require.NoError(t, err)
	assert.Equal(t, "image/png", view.Original.MimeType)

	view, err = s.Select(t.Context(), "notes.txt", []byte("plain text"))
	require.NoError(t, err)
	assert.Equal(t, PhaseParametersSet, view.Phase)
	assert.Contains(t, view.Original.MimeType, "text/plain")
}

func TestSupersededFailureCountsOnlyAsStale(t *testing.T) {
	fc := newFakeCompressor()
	fc.err = errors.New("decode failed")
	fc.started = make(chan struct{}, 1)
	fc.release = make(chan struct{})
	s, _ := newTestSession(t, fc)
	ctx := t.Context()

	failed := metrics.CompressionsTotal.WithLabelValues(metrics.StatusFailed)
	stale := metrics.CompressionsTotal.WithLabelValues(metrics.StatusStale)
	failedBefore, staleBefore := testutil.ToFloat64(failed), testutil.ToFloat64(stale)

	_, err := s.Select(ctx, "a.jpg", []byte("first"))
	require.NoError(t, err)

	done := make(chan View, 1)
	go func() {
		view, _ := s.Compress(ctx)
		done <- view
	}()
	<-fc.started

	_, err = s.Select(ctx, "b.jpg", []byte("second"))
	require.NoError(t, err)
	close(fc.release)

	view := <-done
	assert.Equal(t, PhaseParametersSet, view.Phase)
	assert.Empty(t, view.Error)
	assert.Equal(t, failedBefore, testutil.ToFloat64(failed))
	assert.Equal(t, staleBefore+1, testutil.ToFloat64(stale))
}

func TestAppliedFailureCountsAsFailed(t *testing.T) {
	fc := newFakeCompressor()
	fc.err = errors.New("decode failed")
	s, _ := newTestSession(t, fc)
	ctx := t.Context()

	failed := metrics.CompressionsTotal.WithLabelValues(metrics.StatusFailed)
	stale := metrics.CompressionsTotal.WithLabelValues(metrics.StatusStale)
	failedBefore, staleBefore := testutil.ToFloat64(failed), testutil.ToFloat64(stale)

	_, err := s.Select(ctx, "a.jpg", []byte("data"))
	require.NoError(t, err)
	view, err := s.Compress(ctx)
	require.NoError(t, err)

	assert.Equal(t, PhaseError, view.Phase)
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(failed))
	assert.Equal(t, staleBefore, testutil.ToFloat64(stale))
}

func TestCloseIfIdle(t *testing.T) {
	store := memory.NewStore("/a")
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ctx := t.Context()

	t.Run("recent activity keeps the session", func(t *testing.T) {
		s := newSession(uuid.New(), store, newFakeCompressor(), testOptions(), clock)
		cutoff := now.Add(time.Minute)

		// Activity lands after the sweeper chose its cutoff
		now = now.Add(2 * time.Minute)
		_, err := s.Select(ctx, "a.jpg", []byte("data"))
		require.NoError(t, err)

		assert.False(t, s.closeIfIdle(ctx, cutoff))
		assert.Equal(t, PhaseParametersSet, s.View().Phase)
		s.Close(ctx)
	})

	t.Run("running compression keeps the session", func(t *testing.T) {
		fc := newFakeCompressor()
		fc.started = make(chan struct{}, 1)
		fc.release = make(chan struct{})
		s := newSession(uuid.New(), store, fc, testOptions(), clock)

		_, err := s.Select(ctx, "a.jpg", []byte("data"))
		require.NoError(t, err)
		_, err = s.StartCompress(ctx, goSpawn)
		require.NoError(t, err)
		<-fc.started

		assert.False(t, s.closeIfIdle(ctx, now.Add(time.Hour)))

		close(fc.release)
		require.Eventually(t, func() bool { return s.View().Phase == PhaseReady }, time.Second, time.Millisecond)
		s.Close(ctx)
	})

	t.Run("idle session is closed once", func(t *testing.T) {
		s := newSession(uuid.New(), store, newFakeCompressor(), testOptions(), clock)
		_, err := s.Select(ctx, "a.jpg", []byte("data"))
		require.NoError(t, err)

		assert.True(t, s.closeIfIdle(ctx, now.Add(time.Minute)))
		assert.False(t, s.closeIfIdle(ctx, now.Add(time.Minute)))

		_, err = s.Compress(ctx)
		assert.ErrorIs(t, err, ErrSessionClosed)
	})

	assert.Equal(t, 0, store.Len())
}
