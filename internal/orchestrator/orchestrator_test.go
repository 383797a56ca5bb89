package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/Ap3pp3rs94/batchforge/internal/bundlerrors"
	"github.com/Ap3pp3rs94/batchforge/internal/envelope"
	"github.com/Ap3pp3rs94/batchforge/internal/idempotency"
	"github.com/Ap3pp3rs94/batchforge/internal/metrics"
	"github.com/Ap3pp3rs94/batchforge/internal/obslog"
	"github.com/Ap3pp3rs94/batchforge/internal/upload"
)

// fakeStore serves bodies by "container/key"; missing entries surface as
// bundlerrors.ObjectNotFound to exercise the mid-batch missing-object path,
// unless errs names a different code to return instead (e.g. a retryable
// store error).
type fakeStore struct {
	bodies map[string]string
	errs   map[string]bundlerrors.Code
}

func (s *fakeStore) GetObject(ctx context.Context, container, key string) (io.ReadCloser, error) {
	body, ok := s.bodies[container+"/"+key]
	if !ok {
		code := bundlerrors.ObjectNotFound
		if s.errs != nil {
			if c, ok := s.errs[container+"/"+key]; ok {
				code = c
			}
		}
		return nil, bundlerrors.New(code, "object store call failed")
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

// fakeGuard tracks claimed keys in-process, mirroring a conditional-put
// table without pulling in DynamoDB.
type fakeGuard struct {
	claimed map[idempotency.Key]bool
	err     error
}

func newFakeGuard() *fakeGuard { return &fakeGuard{claimed: map[idempotency.Key]bool{}} }

func (g *fakeGuard) Claim(ctx context.Context, key idempotency.Key, originalKey string, ttlSeconds int64) (idempotency.Outcome, error) {
	if g.err != nil {
		return idempotency.OutcomeNew, g.err
	}
	if g.claimed[key] {
		return idempotency.OutcomeDuplicate, nil
	}
	g.claimed[key] = true
	return idempotency.OutcomeNew, nil
}

type fakeUploadManager struct {
	lastInput *s3.PutObjectInput
}

func (f *fakeUploadManager) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.lastInput = input
	if input.Body != nil {
		_, _ = io.Copy(io.Discard, input.Body)
	}
	return &manager.UploadOutput{}, nil
}

func envelopeFor(id, bucket, key string, size int64, sequencer string) envelope.EventEnvelope {
	payload := fmt.Sprintf(`{"Records":[{"s3":{"bucket":{"name":%q},"object":{"key":%q,"size":%d,"sequencer":%q}}}]}`,
		bucket, key, size, sequencer)
	return envelope.EventEnvelope{EnvelopeID: id, Payload: []byte(payload)}
}

func newTestOrchestrator(store *fakeStore, guard Guard, mgr *fakeUploadManager) (*Orchestrator, *metrics.Recorder) {
	uploader := upload.New(mgr, "dist-bucket")
	rec := metrics.NewRecorder(prometheus.NewRegistry(), "test")
	clock := func() time.Duration { return time.Hour }
	cfg := Config{
		MaxFetchWorkers:       4,
		QueuePutTimeout:       time.Second,
		SpoolThresholdBytes:   1 << 20,
		TimeoutGuardThreshold: time.Second,
		MaxBundleOnDiskBytes:  1 << 20,
		MaxBundleInputBytes:   1 << 20,
		IdempotencyTTLSeconds: 86400,
		AllowDirectInvoke:     true,
	}
	return New(store, guard, uploader, cfg, obslog.Nop, rec, clock), rec
}

func TestRunHappyPathUploadsArchiveAndReportsNoFailures(t *testing.T) {
	store := &fakeStore{bodies: map[string]string{
		"bucket/a.bin": "hello world",
	}}
	guard := newFakeGuard()
	mgr := &fakeUploadManager{}
	o, rec := newTestOrchestrator(store, guard, mgr)

	env := envelopeFor("env-1", "bucket", "a.bin", 11, "seq1")
	result, err := o.Run(context.Background(), []envelope.EventEnvelope{env}, false)

	require.NoError(t, err)
	require.Empty(t, result.FailedEnvelopeIDs)
	require.Len(t, result.ProcessedRecords, 1)
	require.NotNil(t, mgr.lastInput)
	require.Equal(t, uint64(1), counterValue(t, rec.BundlesCreated))
}

func TestRunSuppressesDuplicateRecordsAcrossEnvelopes(t *testing.T) {
	store := &fakeStore{bodies: map[string]string{
		"bucket/a.bin": "hello world",
	}}
	guard := newFakeGuard()
	mgr := &fakeUploadManager{}
	o, rec := newTestOrchestrator(store, guard, mgr)

	env1 := envelopeFor("env-1", "bucket", "a.bin", 11, "seq1")
	env2 := envelopeFor("env-2", "bucket", "a.bin", 11, "seq1")
	result, err := o.Run(context.Background(), []envelope.EventEnvelope{env1, env2}, false)

	require.NoError(t, err)
	require.Len(t, result.ProcessedRecords, 1)
	require.Equal(t, uint64(1), counterValue(t, rec.DuplicatesSkipped))
}

func TestRunDuplicateOnlyBatchReturnsNoFailuresAndNoUpload(t *testing.T) {
	store := &fakeStore{bodies: map[string]string{"bucket/a.bin": "x"}}
	guard := newFakeGuard()
	_, _ = guard.Claim(context.Background(), mustDerive(t, "a.bin", "seq1"), "a.bin", 60)
	mgr := &fakeUploadManager{}
	o, rec := newTestOrchestrator(store, guard, mgr)

	env := envelopeFor("env-1", "bucket", "a.bin", 1, "seq1")
	result, err := o.Run(context.Background(), []envelope.EventEnvelope{env}, false)

	require.NoError(t, err)
	require.Empty(t, result.FailedEnvelopeIDs)
	require.Nil(t, mgr.lastInput)
	require.Equal(t, uint64(1), counterValue(t, rec.DuplicateOnlyBatch))
}

func TestRunFailsEnvelopeOnMalformedPayload(t *testing.T) {
	store := &fakeStore{}
	guard := newFakeGuard()
	mgr := &fakeUploadManager{}
	o, _ := newTestOrchestrator(store, guard, mgr)

	bad := envelope.EventEnvelope{EnvelopeID: "env-bad", Payload: []byte("not json")}
	result, err := o.Run(context.Background(), []envelope.EventEnvelope{bad}, false)

	require.NoError(t, err)
	require.Contains(t, result.FailedEnvelopeIDs, "env-bad")
}

func TestRunSkipsMissingObjectWithoutFailingItsEnvelope(t *testing.T) {
	store := &fakeStore{bodies: map[string]string{
		"bucket/present.bin": "ok bytes",
	}}
	guard := newFakeGuard()
	mgr := &fakeUploadManager{}
	o, rec := newTestOrchestrator(store, guard, mgr)

	present := envelopeFor("env-1", "bucket", "present.bin", 8, "seq1")
	missing := envelopeFor("env-2", "bucket", "missing.bin", 5, "seq2")
	result, err := o.Run(context.Background(), []envelope.EventEnvelope{present, missing}, false)

	require.NoError(t, err)
	// object-missing is terminal, not retryable (spec's error taxonomy):
	// neither envelope should appear in failed.
	require.NotContains(t, result.FailedEnvelopeIDs, "env-1")
	require.NotContains(t, result.FailedEnvelopeIDs, "env-2")
	require.Len(t, result.ProcessedRecords, 1)
	require.Equal(t, uint64(1), counterValue(t, rec.ObjectsSkippedNotFound))
}

func TestRunSkipsSanitizeRejectedWithoutFailingEnvelope(t *testing.T) {
	store := &fakeStore{bodies: map[string]string{
		"bucket/folder/../../etc/passwd": "x",
		"bucket/present.bin":             "ok bytes",
	}}
	guard := newFakeGuard()
	mgr := &fakeUploadManager{}
	o, _ := newTestOrchestrator(store, guard, mgr)

	present := envelopeFor("env-1", "bucket", "present.bin", 8, "seq1")
	traversal := envelopeFor("env-2", "bucket", "folder/../../etc/passwd", 1, "seq2")
	result, err := o.Run(context.Background(), []envelope.EventEnvelope{present, traversal}, false)

	require.NoError(t, err)
	require.NotContains(t, result.FailedEnvelopeIDs, "env-1")
	require.NotContains(t, result.FailedEnvelopeIDs, "env-2")
	require.Len(t, result.ProcessedRecords, 1)
}

func TestRunRetryableStoreErrorStillFailsItsEnvelope(t *testing.T) {
	store := &fakeStore{
		bodies: map[string]string{"bucket/present.bin": "ok bytes"},
		errs:   map[string]bundlerrors.Code{"bucket/throttled.bin": bundlerrors.StoreThrottled},
	}
	guard := newFakeGuard()
	mgr := &fakeUploadManager{}
	o, _ := newTestOrchestrator(store, guard, mgr)

	present := envelopeFor("env-1", "bucket", "present.bin", 8, "seq1")
	throttled := envelopeFor("env-2", "bucket", "throttled.bin", 3, "seq2")
	result, err := o.Run(context.Background(), []envelope.EventEnvelope{present, throttled}, false)

	require.NoError(t, err)
	require.NotContains(t, result.FailedEnvelopeIDs, "env-1")
	require.Contains(t, result.FailedEnvelopeIDs, "env-2")
}

func TestRunRejectsDirectInvokeOutsideTestMode(t *testing.T) {
	store := &fakeStore{}
	guard := newFakeGuard()
	mgr := &fakeUploadManager{}
	o, _ := newTestOrchestrator(store, guard, mgr)
	o.cfg.AllowDirectInvoke = false

	env := envelopeFor("env-1", "bucket", "a.bin", 1, "seq1")
	_, err := o.Run(context.Background(), []envelope.EventEnvelope{env}, true)

	require.Error(t, err)
	be, ok := bundlerrors.As(err)
	require.True(t, ok)
	require.Equal(t, bundlerrors.ConfigurationError, be.Code)
}

func TestRunEnforcesPreflightInputSizeCeiling(t *testing.T) {
	store := &fakeStore{bodies: map[string]string{"bucket/a.bin": "x"}}
	guard := newFakeGuard()
	mgr := &fakeUploadManager{}
	o, _ := newTestOrchestrator(store, guard, mgr)
	o.cfg.MaxBundleInputBytes = 10

	env := envelopeFor("env-1", "bucket", "a.bin", 999999, "seq1")
	result, err := o.Run(context.Background(), []envelope.EventEnvelope{env}, false)

	require.Error(t, err)
	be, ok := bundlerrors.As(err)
	require.True(t, ok)
	require.Equal(t, bundlerrors.BatchTooLarge, be.Code)
	require.Contains(t, result.FailedEnvelopeIDs, "env-1")
}

func counterValue(t *testing.T, c prometheus.Counter) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return uint64(m.GetCounter().GetValue())
}

func mustDerive(t *testing.T, key, token string) idempotency.Key {
	t.Helper()
	k, err := idempotency.Derive(key, token)
	require.NoError(t, err)
	return k
}
