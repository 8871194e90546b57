package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Father1993/PIM-Image-Management/internal/config"
	"github.com/Father1993/PIM-Image-Management/internal/imgproxy"
	"github.com/Father1993/PIM-Image-Management/internal/ledger"
	"github.com/Father1993/PIM-Image-Management/internal/pim"
	"github.com/Father1993/PIM-Image-Management/internal/pipeline/mocks"
	"github.com/Father1993/PIM-Image-Management/internal/records"
	"github.com/Father1993/PIM-Image-Management/internal/syncerr"
)

func newRecord(pid int64, name string) records.ImageRecord {
	return records.ImageRecord{
		ProductID: pid,
		ImageName: name,
		ImageType: records.ImageTypeMain,
		SourceURL: fmt.Sprintf("https://images.example.com/%d/%s", pid, name),
	}
}

func newRecords(n int) []records.ImageRecord {
	recs := make([]records.ImageRecord, n)
	for i := range recs {
		recs[i] = newRecord(int64(i+1), "p.jpg")
	}
	return recs
}

func jpegBlob(t *testing.T) *imgproxy.Blob {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(4, 4, color.White), imaging.JPEG))
	return &imgproxy.Blob{Data: buf.Bytes(), ContentType: "image/jpeg", URL: "https://cdn.example.com/p.JPG"}
}

// scriptedTransformer fails each item with the scripted errors before succeeding
type scriptedTransformer struct {
	blob *imgproxy.Blob

	mu     sync.Mutex
	script map[string][]error
	calls  map[string]int
	// always is returned for items without a script when set
	always error
}

func newScriptedTransformer(blob *imgproxy.Blob) *scriptedTransformer {
	return &scriptedTransformer{blob: blob, script: map[string][]error{}, calls: map[string]int{}}
}

func (s *scriptedTransformer) Transform(_ context.Context, rec *records.ImageRecord) (*imgproxy.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := rec.ID()
	n := s.calls[id]
	s.calls[id]++
	if errs := s.script[id]; n < len(errs) {
		return nil, errs[n]
	}
	if s.always != nil {
		return nil, s.always
	}
	b := *s.blob
	return &b, nil
}

func (s *scriptedTransformer) Calls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

type countingUploader struct {
	calls atomic.Int32
	err   error
}

func (u *countingUploader) Upload(_ context.Context, _ *records.ImageRecord, _ *imgproxy.Blob) error {
	u.calls.Add(1)
	return u.err
}

type harness struct {
	store  *records.MemoryStore
	ledger ledger.Store
	sink   *records.BufferedSink
}

func newHarness(recs ...records.ImageRecord) *harness {
	store := records.NewMemoryStore(recs...)
	return &harness{
		store:  store,
		ledger: ledger.NewMemoryStore(),
		sink:   records.NewBufferedSink(store, 0),
	}
}

func (h *harness) deps(tr Transformer, up Uploader) Dependencies {
	return Dependencies{
		Scanner:     records.NewScanner(h.store, 2),
		Ledger:      h.ledger,
		Sink:        h.sink,
		Transformer: tr,
		Uploader:    up,
	}
}

func (h *harness) entries(t *testing.T) map[string]*ledger.Entry {
	t.Helper()
	entries, err := h.ledger.Load(context.Background())
	require.NoError(t, err)
	return entries
}

func (h *harness) record(t *testing.T, pid int64, name string) *records.ImageRecord {
	t.Helper()
	rec, err := h.store.Get(context.Background(), records.Key{ProductID: pid, ImageName: name})
	require.NoError(t, err)
	return rec
}

func fastConfig(mode Mode) Config {
	return Config{
		Mode:           mode,
		BatchSize:      10,
		Concurrency:    4,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestNewScheduler_Validation(t *testing.T) {
	t.Parallel()

	h := newHarness()
	tr := newScriptedTransformer(jpegBlob(t))

	tests := []struct {
		name   string
		cfg    Config
		deps   Dependencies
		errMsg string
	}{
		{name: "discover has no stages", cfg: Config{Mode: ModeDiscover}, deps: h.deps(tr, &countingUploader{}), errMsg: "does not process items"},
		{name: "missing ledger", cfg: Config{Mode: ModeFull}, deps: Dependencies{Scanner: records.NewScanner(h.store, 0), Sink: h.sink}, errMsg: "required"},
		{name: "full without uploader", cfg: Config{Mode: ModeFull}, deps: h.deps(tr, nil), errMsg: "needs an uploader"},
		{name: "transform without transformer", cfg: Config{Mode: ModeTransform}, deps: h.deps(nil, nil), errMsg: "needs a transformer"},
		{name: "upload without fetcher", cfg: Config{Mode: ModeUpload}, deps: h.deps(nil, &countingUploader{}), errMsg: "needs a blob fetcher"},
		{name: "valid full", cfg: Config{Mode: ModeFull}, deps: h.deps(tr, &countingUploader{})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := NewScheduler(tt.cfg, tt.deps)
			if tt.errMsg != "" {
				require.ErrorContains(t, err, tt.errMsg)
				assert.True(t, syncerr.IsFatal(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, config.DefaultBatchSize, s.cfg.BatchSize)
			assert.Equal(t, "full", s.cfg.Pass)
		})
	}
}

// A reachable 2000x2000 source becomes a 750x1000 JPEG and the item ends Done
func TestScheduler_TransformAndUpload(t *testing.T) {
	t.Parallel()

	var src bytes.Buffer
	require.NoError(t, imaging.Encode(&src, imaging.New(2000, 2000, color.NRGBA{R: 200, A: 255}), imaging.JPEG))
	renderer := imgproxy.NewLocalRenderer(imgproxy.DefaultProfile())

	var rendered []byte
	ctrl := gomock.NewController(t)
	transformer := mocks.NewMockTransformer(ctrl)
	transformer.EXPECT().Transform(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ *records.ImageRecord) (*imgproxy.Blob, error) {
			data, err := renderer.Render(src.Bytes())
			if err != nil {
				return nil, err
			}
			rendered = data
			return &imgproxy.Blob{Data: data, ContentType: "image/jpeg", URL: "https://cdn.example.com/2024/01/01/p.JPG"}, nil
		}).Times(1)
	uploader := mocks.NewMockUploader(ctrl)
	uploader.EXPECT().Upload(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rec *records.ImageRecord, blob *imgproxy.Blob) error {
			assert.True(t, rec.IsOptimized)
			assert.Equal(t, rendered, blob.Data)
			return nil
		}).Times(1)

	h := newHarness(newRecord(1, "p.jpg"))
	s, err := NewScheduler(fastConfig(ModeFull), h.deps(transformer, uploader))
	require.NoError(t, err)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, summary.Done)
	assert.Equal(t, 1, summary.Ledger.Done)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(rendered))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 750, cfg.Width)
	assert.Equal(t, 1000, cfg.Height)

	rec := h.record(t, 1, "p.jpg")
	assert.True(t, rec.IsOptimized)
	assert.True(t, rec.IsUploaded)
	require.NotNil(t, rec.OptimizedURL)
	assert.Equal(t, "https://cdn.example.com/2024/01/01/p.JPG", *rec.OptimizedURL)

	e := h.entries(t)["1/p.jpg"]
	require.NotNil(t, e)
	assert.Equal(t, ledger.StateDone, e.State)
	assert.Equal(t, 1, e.AttemptCount)
}

// A missing source is a client error and fails without a retry
func TestScheduler_ClientErrorFailsImmediately(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransformer(jpegBlob(t))
	tr.script["1/p.jpg"] = []error{syncerr.FromStatus("transform", http.StatusNotFound, errors.New("not found"))}
	up := &countingUploader{}

	h := newHarness(newRecord(1, "p.jpg"))
	s, err := NewScheduler(fastConfig(ModeFull), h.deps(tr, up))
	require.NoError(t, err)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, summary.Failed)
	assert.Zero(t, summary.Retried)
	assert.Equal(t, 1, tr.Calls("1/p.jpg"))
	assert.Zero(t, up.calls.Load())

	e := h.entries(t)["1/p.jpg"]
	assert.Equal(t, ledger.StatePermanentlyFailed, e.State)
	assert.Equal(t, 1, e.AttemptCount)
	assert.Contains(t, e.LastError, "HTTP 404")

	rec := h.record(t, 1, "p.jpg")
	assert.False(t, rec.IsOptimized)
	require.NotNil(t, rec.LastError)
	assert.Contains(t, *rec.LastError, "HTTP 404")

	require.Len(t, summary.FailedItems, 1)
	assert.Equal(t, "1/p.jpg", summary.FailedItems[0].ItemID)
}

// Three consecutive 503s exhaust the default budget
func TestScheduler_ServerErrorsExhaustAttempts(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransformer(jpegBlob(t))
	tr.always = syncerr.FromStatus("transform", http.StatusServiceUnavailable, errors.New("unavailable"))

	h := newHarness(newRecord(1, "p.jpg"))
	s, err := NewScheduler(fastConfig(ModeFull), h.deps(tr, &countingUploader{}))
	require.NoError(t, err)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, tr.Calls("1/p.jpg"))
	assert.EqualValues(t, 2, summary.Retried)
	assert.EqualValues(t, 1, summary.Failed)

	e := h.entries(t)["1/p.jpg"]
	assert.Equal(t, ledger.StatePermanentlyFailed, e.State)
	assert.Equal(t, 3, e.AttemptCount)
}

func TestScheduler_RetryThenSucceed(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransformer(jpegBlob(t))
	tr.script["1/p.jpg"] = []error{
		syncerr.New(syncerr.KindTransientNetwork, "transform", context.DeadlineExceeded),
		syncerr.FromStatus("transform", http.StatusBadGateway, nil),
	}

	h := newHarness(newRecord(1, "p.jpg"))
	s, err := NewScheduler(fastConfig(ModeFull), h.deps(tr, &countingUploader{}))
	require.NoError(t, err)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, summary.Done)
	assert.EqualValues(t, 2, summary.Retried)

	e := h.entries(t)["1/p.jpg"]
	assert.Equal(t, ledger.StateDone, e.State)
	assert.Equal(t, 3, e.AttemptCount)
	assert.Empty(t, e.LastError)
}

// A failed upload keeps the blob, so the retry does not transform again
func TestScheduler_UploadRetryReusesBlob(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	transformer := mocks.NewMockTransformer(ctrl)
	transformer.EXPECT().Transform(gomock.Any(), gomock.Any()).Return(jpegBlob(t), nil).Times(1)
	uploader := mocks.NewMockUploader(ctrl)
	gomock.InOrder(
		uploader.EXPECT().Upload(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(syncerr.FromStatus("upload", http.StatusInternalServerError, nil)),
		uploader.EXPECT().Upload(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil),
	)

	h := newHarness(newRecord(1, "p.jpg"))
	s, err := NewScheduler(fastConfig(ModeFull), h.deps(transformer, uploader))
	require.NoError(t, err)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, summary.Done)
	assert.True(t, h.record(t, 1, "p.jpg").IsUploaded)
}

// An optimized record whose upload fails permanently keeps its optimization
func TestScheduler_OptimizationSurvivesFailedUpload(t *testing.T) {
	t.Parallel()

	up := &countingUploader{err: syncerr.FromStatus("upload", http.StatusUnprocessableEntity, nil)}
	h := newHarness(newRecord(1, "p.jpg"))
	s, err := NewScheduler(fastConfig(ModeFull), h.deps(newScriptedTransformer(jpegBlob(t)), up))
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	require.NoError(t, err)

	rec := h.record(t, 1, "p.jpg")
	assert.True(t, rec.IsOptimized)
	assert.False(t, rec.IsUploaded)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, ledger.StatePermanentlyFailed, h.entries(t)["1/p.jpg"].State)
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	t.Parallel()

	var current, peak atomic.Int32
	track := func() func() {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return func() { current.Add(-1) }
	}

	blob := jpegBlob(t)
	ctrl := gomock.NewController(t)
	transformer := mocks.NewMockTransformer(ctrl)
	transformer.EXPECT().Transform(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ *records.ImageRecord) (*imgproxy.Blob, error) {
			defer track()()
			return blob, nil
		}).Times(40)
	uploader := mocks.NewMockUploader(ctrl)
	uploader.EXPECT().Upload(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ *records.ImageRecord, _ *imgproxy.Blob) error {
			defer track()()
			return nil
		}).Times(40)

	h := newHarness(newRecords(40)...)
	cfg := fastConfig(ModeFull)
	cfg.Concurrency = 3
	cfg.BatchSize = 16
	s, err := NewScheduler(cfg, h.deps(transformer, uploader))
	require.NoError(t, err)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 40, summary.Done)
	assert.Equal(t, 3, summary.Batches)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestScheduler_LimitAndBatches(t *testing.T) {
	t.Parallel()

	h := newHarness(newRecords(10)...)
	cfg := fastConfig(ModeTransform)
	cfg.Limit = 7
	cfg.BatchSize = 3
	s, err := NewScheduler(cfg, h.deps(newScriptedTransformer(jpegBlob(t)), nil))
	require.NoError(t, err)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, summary.Selected)
	assert.Equal(t, 3, summary.Batches)
	assert.EqualValues(t, 7, summary.Done)
	assert.Equal(t, "transform", summary.Pass)

	optimized, err := h.store.Count(context.Background(), records.FilterOptimizedNotUploaded)
	require.NoError(t, err)
	assert.Equal(t, 7, optimized)
}

// A finished pass has nothing left to do on the next run
func TestScheduler_SecondRunIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(newRecords(5)...)
	tr := newScriptedTransformer(jpegBlob(t))
	up := &countingUploader{}

	for range 2 {
		s, err := NewScheduler(fastConfig(ModeFull), h.deps(tr, up))
		require.NoError(t, err)
		_, err = s.Run(context.Background())
		require.NoError(t, err)
	}

	assert.EqualValues(t, 5, up.calls.Load())
	assert.Equal(t, 1, tr.Calls("3/p.jpg"))
}

// Ledger entries already terminal are skipped even if the record still matches the filter
func TestScheduler_SkipsTerminalEntries(t *testing.T) {
	t.Parallel()

	h := newHarness(newRecords(3)...)
	ctx := context.Background()
	require.NoError(t, h.ledger.Upsert(ctx, &ledger.Entry{ItemID: "1/p.jpg", State: ledger.StateDone, AttemptCount: 1}))
	require.NoError(t, h.ledger.Upsert(ctx, &ledger.Entry{ItemID: "2/p.jpg", State: ledger.StatePermanentlyFailed, AttemptCount: 3}))

	tr := newScriptedTransformer(jpegBlob(t))
	s, err := NewScheduler(fastConfig(ModeFull), h.deps(tr, &countingUploader{}))
	require.NoError(t, err)

	summary, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Scanned)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 1, summary.Selected)
	assert.Zero(t, tr.Calls("1/p.jpg"))
	assert.Zero(t, tr.Calls("2/p.jpg"))
}

// An item left InFlight by a crash is picked up again and its attempts keep counting
func TestScheduler_ResumesInterruptedItem(t *testing.T) {
	t.Parallel()

	h := newHarness(newRecord(1, "p.jpg"))
	ctx := context.Background()
	require.NoError(t, h.ledger.Upsert(ctx, &ledger.Entry{ItemID: "1/p.jpg", State: ledger.StateInFlight, AttemptCount: 1}))

	s, err := NewScheduler(fastConfig(ModeFull), h.deps(newScriptedTransformer(jpegBlob(t)), &countingUploader{}))
	require.NoError(t, err)

	_, err = s.Run(ctx)
	require.NoError(t, err)

	e := h.entries(t)["1/p.jpg"]
	assert.Equal(t, ledger.StateDone, e.State)
	assert.Equal(t, 2, e.AttemptCount)
}

func TestScheduler_RetryFailedGivesFreshBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(newRecord(1, "p.jpg"))
	ctx := context.Background()
	require.NoError(t, h.ledger.Upsert(ctx, &ledger.Entry{ItemID: "1/p.jpg", State: ledger.StatePermanentlyFailed, AttemptCount: 3, LastError: "boom"}))

	tr := newScriptedTransformer(jpegBlob(t))
	tr.always = syncerr.FromStatus("transform", http.StatusServiceUnavailable, nil)

	// Without the flag the item stays failed and is not touched
	s, err := NewScheduler(fastConfig(ModeFull), h.deps(tr, &countingUploader{}))
	require.NoError(t, err)
	_, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, tr.Calls("1/p.jpg"))

	cfg := fastConfig(ModeFull)
	cfg.RetryFailed = true
	s, err = NewScheduler(cfg, h.deps(tr, &countingUploader{}))
	require.NoError(t, err)
	_, err = s.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, tr.Calls("1/p.jpg"))
	e := h.entries(t)["1/p.jpg"]
	assert.Equal(t, ledger.StatePermanentlyFailed, e.State)
	assert.Equal(t, 6, e.AttemptCount)
}

// A configuration error aborts the run and leaves the item pending with no attempt charged
func TestScheduler_ConfigurationErrorAborts(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransformer(jpegBlob(t))
	tr.always = syncerr.Configf("imgproxy base URL is required")

	h := newHarness(newRecords(4)...)
	cfg := fastConfig(ModeFull)
	cfg.Concurrency = 1
	s, err := NewScheduler(cfg, h.deps(tr, &countingUploader{}))
	require.NoError(t, err)

	summary, err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, syncerr.IsFatal(err))
	require.NotNil(t, summary)

	entries := h.entries(t)
	e := entries["1/p.jpg"]
	require.NotNil(t, e)
	assert.Equal(t, ledger.StatePending, e.State)
	assert.Zero(t, e.AttemptCount)
	assert.Zero(t, tr.Calls("4/p.jpg"))

	// Items never started still count as pending in the report
	assert.Equal(t, 4, summary.Selected)
	assert.Equal(t, 3, summary.NotStarted)
	assert.Equal(t, 4, summary.Ledger.Pending)
	assert.Equal(t, 4, summary.Ledger.Total())
	for _, e := range entries {
		assert.NotEqual(t, ledger.StateInFlight, e.State)
		assert.NotEqual(t, ledger.StatePermanentlyFailed, e.State)
	}
}

// Cancelling the run leaves waiting retries pending and nothing in flight
func TestScheduler_ShutdownLeavesNoInFlight(t *testing.T) {
	t.Parallel()

	var failures atomic.Int32
	ctrl := gomock.NewController(t)
	transformer := mocks.NewMockTransformer(ctrl)
	transformer.EXPECT().Transform(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ *records.ImageRecord) (*imgproxy.Blob, error) {
			failures.Add(1)
			return nil, syncerr.FromStatus("transform", http.StatusServiceUnavailable, nil)
		}).AnyTimes()

	h := newHarness(newRecords(6)...)
	cfg := fastConfig(ModeFull)
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	cfg.MaxAttempts = 5
	cfg.Concurrency = 6
	s, err := NewScheduler(cfg, h.deps(transformer, mocks.NewMockUploader(ctrl)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		summary *Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		summary, err := s.Run(ctx)
		done <- result{summary, err}
	}()

	require.Eventually(t, func() bool { return failures.Load() == 6 }, 5*time.Second, time.Millisecond)
	cancel()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	require.NoError(t, res.err)
	assert.True(t, res.summary.Interrupted)
	assert.Zero(t, res.summary.NotStarted)
	assert.Equal(t, 6, res.summary.Ledger.Pending)
	assert.Zero(t, s.Progress().Snapshot().InFlight)

	entries := h.entries(t)
	require.Len(t, entries, 6)
	for id, e := range entries {
		assert.Equal(t, ledger.StatePending, e.State, id)
		assert.Equal(t, 1, e.AttemptCount, id)
	}
}

// failingStore rejects every write
type failingStore struct {
	*records.MemoryStore
}

func (f *failingStore) Upsert(context.Context, []records.ImageRecord) error {
	return errors.New("database is down")
}

// A Done item whose record update cannot be written is not committed as Done
func TestScheduler_UnwrittenRecordUpdateStaysPending(t *testing.T) {
	t.Parallel()

	store := &failingStore{MemoryStore: records.NewMemoryStore(newRecord(1, "p.jpg"))}
	led := ledger.NewMemoryStore()
	s, err := NewScheduler(fastConfig(ModeFull), Dependencies{
		Scanner:     records.NewScanner(store, 0),
		Ledger:      led,
		Sink:        records.NewBufferedSink(store, 0),
		Transformer: newScriptedTransformer(jpegBlob(t)),
		Uploader:    &countingUploader{},
	})
	require.NoError(t, err)

	summary, err := s.Run(context.Background())
	require.ErrorContains(t, err, "database is down")
	assert.Equal(t, 1, summary.Ledger.Pending)

	entries, err := led.Load(context.Background())
	require.NoError(t, err)
	e := entries["1/p.jpg"]
	assert.Equal(t, ledger.StatePending, e.State)
	assert.Contains(t, e.LastError, "record update not written")
}

func TestScheduler_UploadPassFetchesStoredBlob(t *testing.T) {
	t.Parallel()

	optimized := newRecord(1, "p.jpg")
	optimized.MarkOptimized("https://cdn.example.com/p.JPG", time.Now())
	h := newHarness(optimized, newRecord(2, "q.jpg"))

	blob := jpegBlob(t)
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockBlobFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rec *records.ImageRecord) (*imgproxy.Blob, error) {
			assert.Equal(t, "1/p.jpg", rec.ID())
			return blob, nil
		}).Times(1)
	uploader := mocks.NewMockUploader(ctrl)
	uploader.EXPECT().Upload(gomock.Any(), gomock.Any(), blob).Return(nil).Times(1)

	deps := h.deps(nil, uploader)
	deps.Fetcher = fetcher
	s, err := NewScheduler(fastConfig(ModeUpload), deps)
	require.NoError(t, err)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Selected)
	assert.Equal(t, "upload", summary.Pass)
	assert.True(t, h.record(t, 1, "p.jpg").IsUploaded)
	assert.False(t, h.record(t, 2, "q.jpg").IsOptimized)
}

func TestScheduler_Preview(t *testing.T) {
	t.Parallel()

	store := records.NewMemoryStore(newRecords(8)...)
	uploader := pim.NewDryRun()
	cfg := fastConfig(ModePreview)
	cfg.Limit = 3
	s, err := NewScheduler(cfg, Dependencies{
		Scanner:     records.NewScanner(store, 0),
		Ledger:      ledger.NewMemoryStore(),
		Sink:        records.DiscardSink{},
		Transformer: imgproxy.NewDryRun(imgproxy.DefaultProfile()),
		Uploader:    uploader,
	})
	require.NoError(t, err)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, summary.Done)
	assert.EqualValues(t, 3, uploader.Uploads())

	notUploaded, err := store.Count(context.Background(), records.FilterNotOptimized)
	require.NoError(t, err)
	assert.Equal(t, 8, notUploaded)
}

func TestScheduler_BatchTimeoutCheckpoints(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var calls atomic.Int32
	ctrl := gomock.NewController(t)
	transformer := mocks.NewMockTransformer(ctrl)
	blob := jpegBlob(t)
	transformer.EXPECT().Transform(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ *records.ImageRecord) (*imgproxy.Blob, error) {
			if calls.Add(1) == 2 {
				<-release
			}
			return blob, nil
		}).Times(2)

	h := newHarness(newRecords(2)...)
	cfg := fastConfig(ModeTransform)
	cfg.Concurrency = 2
	cfg.BatchTimeout = 5 * time.Millisecond
	s, err := NewScheduler(cfg, h.deps(transformer, nil))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()

	// The fast item gets committed by an intermediate checkpoint while the slow one runs
	require.Eventually(t, func() bool {
		rec, err := h.store.Get(context.Background(), records.Key{ProductID: 1, ImageName: "p.jpg"})
		if err == nil && rec.IsOptimized {
			return true
		}
		rec, err = h.store.Get(context.Background(), records.Key{ProductID: 2, ImageName: "p.jpg"})
		return err == nil && rec.IsOptimized
	}, 5*time.Second, time.Millisecond)
	close(release)
	require.NoError(t, <-done)

	counts := ledger.Tally(h.entries(t))
	assert.Equal(t, 2, counts.Done)
}
