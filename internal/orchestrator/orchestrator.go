// Package orchestrator implements BatchOrchestrator: the per-invocation
// entry point that wires EnvelopeParser, IdempotencyGuard, FetchPool,
// ArchiveWriter, BudgetGovernor and Uploader together and produces the
// partial-failure response. Grounded in original_source's aapp.py
// handler()/_process_successful_batch() control flow, with exception-based
// duplicate detection replaced by the explicit OutcomeDuplicate result
// variant spec §9 calls for.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Ap3pp3rs94/batchforge/internal/archive"
	"github.com/Ap3pp3rs94/batchforge/internal/budget"
	"github.com/Ap3pp3rs94/batchforge/internal/bundlerrors"
	"github.com/Ap3pp3rs94/batchforge/internal/envelope"
	"github.com/Ap3pp3rs94/batchforge/internal/fetch"
	"github.com/Ap3pp3rs94/batchforge/internal/idempotency"
	"github.com/Ap3pp3rs94/batchforge/internal/metrics"
	"github.com/Ap3pp3rs94/batchforge/internal/obslog"
	"github.com/Ap3pp3rs94/batchforge/internal/upload"
)

// BatchResult is the pipeline's output (spec §3): failed envelope ids plus
// the processed/remaining record-id partition of idempotency survivors.
type BatchResult struct {
	FailedEnvelopeIDs []string
	ProcessedRecords  []string
	RemainingRecords  []string
}

// Response is the wire shape the caller's transport maps back onto
// (spec §6): absent envelope ids are treated as successfully processed.
type Response struct {
	BatchItemFailures []ItemFailure
}

type ItemFailure struct {
	ItemIdentifier string
}

func (r BatchResult) ToResponse() Response {
	out := make([]ItemFailure, 0, len(r.FailedEnvelopeIDs))
	for _, id := range r.FailedEnvelopeIDs {
		out = append(out, ItemFailure{ItemIdentifier: id})
	}
	return Response{BatchItemFailures: out}
}

// Guard is the subset of idempotency.Guard the orchestrator calls.
type Guard interface {
	Claim(ctx context.Context, key idempotency.Key, originalKey string, ttlSeconds int64) (idempotency.Outcome, error)
}

// Config bundles the invocation-scoped tunables BudgetGovernor and the
// pipeline need; it is deliberately a plain struct, not the full
// internal/config.Config, so orchestrator stays decoupled from env parsing.
type Config struct {
	MaxFetchWorkers       int
	QueuePutTimeout       time.Duration
	SpoolThresholdBytes   int64
	TimeoutGuardThreshold time.Duration
	MaxBundleOnDiskBytes  int64
	MaxBundleInputBytes   int64
	IdempotencyTTLSeconds int64
	DistributionBucket    string
	BundleEncryptionKeyID string
	AllowDirectInvoke     bool
}

// Orchestrator is the BatchOrchestrator (spec §4.8). Each invocation calls
// Run once; all per-invocation state lives on the call stack, not on this
// struct (spec §5: "no global mutable state in the core").
type Orchestrator struct {
	store     fetch.ObjectStore
	guard     Guard
	uploadDst *upload.Uploader
	cfg       Config
	log       *obslog.Logger
	rec       *metrics.Recorder
	clock     budget.RemainingTime
	newID     func() string
}

// New wires the orchestrator's collaborators. clock returns the remaining
// wall-clock time for this invocation (spec §4.6: runtime-supplied, not
// wall-time math).
func New(store fetch.ObjectStore, guard Guard, uploader *upload.Uploader, cfg Config, log *obslog.Logger, rec *metrics.Recorder, clock budget.RemainingTime) *Orchestrator {
	return &Orchestrator{
		store: store, guard: guard, uploadDst: uploader, cfg: cfg, log: log, rec: rec, clock: clock,
		newID: func() string { return uuid.NewString() },
	}
}

// recordEntry tracks one survivor record alongside the envelope whose claim
// admitted it. Step 9 translates remaining_records back to
// failed_envelope_ids through recordToEnvelopes, which holds every
// envelope that carried the record.
type recordEntry struct {
	recordID string
	envID    string
	ref      envelope.ObjectRef
}

// Run executes one invocation of the pipeline (spec §4.8 steps 1-10).
func (o *Orchestrator) Run(ctx context.Context, envelopes []envelope.EventEnvelope, directInvoke bool) (BatchResult, error) {
	// Step 1.
	if len(envelopes) == 0 {
		return BatchResult{}, nil
	}

	// Step 2: direct-invoke bypass, refused outside test mode.
	if directInvoke {
		if !o.cfg.AllowDirectInvoke {
			o.log.Warn(ctx, "direct invoke refused outside test environments", nil)
			return BatchResult{}, bundlerrors.New(bundlerrors.ConfigurationError,
				"direct-invoke is refused outside test environments")
		}
		return o.runDirectInvoke(ctx, envelopes)
	}

	o.log.Info(ctx, "batch received", map[string]any{"envelope_count": len(envelopes)})

	failed := map[string]bool{}
	var survivors []recordEntry
	recordToEnvelopes := map[string]map[string]bool{}

	// Step 3.
	for _, env := range envelopes {
		refs, err := envelope.Parse(env)
		if err != nil {
			failed[env.EnvelopeID] = true
			continue
		}
		for _, ref := range refs {
			key, derr := idempotency.Derive(ref.OriginalKey, ref.UniquenessToken())
			if derr != nil {
				failed[env.EnvelopeID] = true
				continue
			}
			recordID := string(key)
			if recordToEnvelopes[recordID] == nil {
				recordToEnvelopes[recordID] = map[string]bool{}
			}
			recordToEnvelopes[recordID][env.EnvelopeID] = true

			outcome, cerr := o.guard.Claim(ctx, key, ref.OriginalKey, o.cfg.IdempotencyTTLSeconds)
			if cerr != nil {
				failed[env.EnvelopeID] = true
				continue
			}
			switch outcome {
			case idempotency.OutcomeDuplicate:
				if o.rec != nil {
					o.rec.DuplicatesSkipped.Inc()
				}
			default:
				survivors = append(survivors, recordEntry{recordID: recordID, envID: env.EnvelopeID, ref: ref})
			}
		}
	}

	// Step 4.
	if len(survivors) == 0 {
		if o.rec != nil && len(failed) == 0 {
			o.rec.DuplicateOnlyBatch.Inc()
		}
		o.log.Info(ctx, "batch was duplicate-only", nil)
		return finalResult(failed, nil, nil), nil
	}

	// Step 5: pre-flight.
	var totalDeclared int64
	for _, s := range survivors {
		totalDeclared += int64(s.ref.DeclaredSize)
	}
	if err := budget.PreflightInputSize(totalDeclared, o.cfg.MaxBundleInputBytes); err != nil {
		o.log.Error(ctx, "batch rejected by input size pre-flight", map[string]any{"total_declared_bytes": totalDeclared})
		for _, s := range survivors {
			failed[s.envID] = true
		}
		return finalResult(failed, nil, nil), err
	}

	// Step 6.
	invocationID := o.newID()
	destinationKey := buildDestinationKey(time.Now().UTC(), invocationID)
	ctx = obslog.WithInvocationID(ctx, invocationID)
	o.log.Info(ctx, "building archive", map[string]any{"destination_key": destinationKey, "survivor_count": len(survivors)})

	// Step 7.
	gov := budget.New(o.clock, o.cfg.TimeoutGuardThreshold, o.cfg.MaxBundleOnDiskBytes)
	writer := archive.New(o.cfg.SpoolThresholdBytes, "")

	jobs := make([]fetch.Job, 0, len(survivors))
	for _, s := range survivors {
		jobs = append(jobs, fetch.Job{Ref: s.ref, RecordID: s.recordID})
	}

	resultCh := make(chan fetch.Result, o.cfg.MaxFetchWorkers)
	fetchErrCh := make(chan error, 1)
	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()
	go func() {
		fetchErrCh <- fetch.Run(fetchCtx, o.store, jobs, o.cfg.MaxFetchWorkers, resultCh, o.cfg.QueuePutTimeout)
		close(resultCh)
	}()

	processed, skips, werr := writer.Consume(resultCh, gov)
	// Once the writer stops reading (input done, graceful stop or error),
	// cancel the fetchers and close bodies already handed off, so a stop
	// is never reported as back-pressure overflow.
	cancelFetch()
	for res := range resultCh {
		if res.Body != nil {
			_ = res.Body.Close()
		}
	}
	fetchErr := <-fetchErrCh

	// Records skipped for a non-retryable reason (path rejected, declared
	// size didn't match what was read, or a fetch failure the store itself
	// marked non-retryable such as ObjectNotFound/AccessDenied) are done:
	// spec §7 treats them as terminal, not as work that needs another
	// attempt, so they must not flow into remaining/failed the way a
	// genuinely retryable skip or Governor stop does.
	settledNoRetry := map[string]bool{}
	for _, sk := range skips {
		o.log.Warn(ctx, "record skipped", map[string]any{"record_id": sk.RecordID, "reason": string(sk.Reason), "error": sk.Err})
		switch sk.Reason {
		case archive.SkipSanitizeRejected, archive.SkipSizeMismatch:
			settledNoRetry[sk.RecordID] = true
		case archive.SkipFetchError:
			if o.rec != nil {
				if be, ok := bundlerrors.As(sk.Err); ok && be.Code == bundlerrors.ObjectNotFound {
					o.rec.ObjectsSkippedNotFound.Inc()
				}
			}
			if !bundlerrors.IsRetryable(sk.Err) {
				settledNoRetry[sk.RecordID] = true
			}
		}
	}

	if werr != nil {
		o.log.Error(ctx, "archive writer failed", map[string]any{"error": werr})
		_ = writer.Close()
		for _, s := range survivors {
			failed[s.envID] = true
		}
		return finalResult(failed, nil, nil), werr
	}
	if fetchErr != nil && !isBenignCancellation(fetchErr) {
		o.log.Error(ctx, "fetch pool failed", map[string]any{"error": fetchErr})
		_ = writer.Close()
		for _, s := range survivors {
			failed[s.envID] = true
		}
		return finalResult(failed, nil, nil), fetchErr
	}

	artifact, ferr := writer.Finalize()
	if ferr != nil {
		o.log.Error(ctx, "archive finalize failed", map[string]any{"error": ferr})
		for _, s := range survivors {
			failed[s.envID] = true
		}
		return finalResult(failed, nil, nil), ferr
	}

	var remaining []string
	var processedIDs []string
	for _, s := range survivors {
		switch {
		case processed[s.recordID]:
			processedIDs = append(processedIDs, s.recordID)
		case settledNoRetry[s.recordID]:
			// terminal skip: handled, nothing to retry, envelope is not failed.
		default:
			remaining = append(remaining, s.recordID)
		}
	}

	// Step 8: upload.
	body, rerr := artifact.Spool.Rewind()
	if rerr != nil {
		_ = writer.Close()
		for _, s := range survivors {
			failed[s.envID] = true
		}
		return finalResult(failed, nil, nil), rerr
	}
	if uerr := o.uploadDst.Upload(ctx, destinationKey, body, artifact.SHA256Hex, o.cfg.BundleEncryptionKeyID); uerr != nil {
		o.log.Error(ctx, "archive upload failed", map[string]any{"destination_key": destinationKey, "error": uerr})
		_ = writer.Close()
		for _, s := range survivors {
			failed[s.envID] = true
		}
		return finalResult(failed, nil, nil), uerr
	}
	_ = writer.Close()
	o.log.Info(ctx, "archive uploaded", map[string]any{
		"destination_key": destinationKey, "bytes": artifact.Bytes, "processed": len(processedIDs), "remaining": len(remaining),
	})

	if o.rec != nil {
		o.rec.BundlesCreated.Inc()
		o.rec.RecordsInBundle.Observe(float64(len(processedIDs)))
		o.rec.BundleBytesUploaded.Observe(float64(artifact.Bytes))
		if gov.ShouldStop() {
			o.rec.GracefulStops.Inc()
		}
	}

	// Step 9.
	for _, recordID := range remaining {
		for envID := range recordToEnvelopes[recordID] {
			failed[envID] = true
		}
	}

	// Step 10.
	return finalResult(failed, processedIDs, remaining), nil
}

func finalResult(failed map[string]bool, processed, remaining []string) BatchResult {
	ids := make([]string, 0, len(failed))
	for id := range failed {
		ids = append(ids, id)
	}
	return BatchResult{FailedEnvelopeIDs: ids, ProcessedRecords: processed, RemainingRecords: remaining}
}

func isBenignCancellation(err error) bool {
	return err == context.Canceled
}

// runDirectInvoke handles the synthetic test-mode payload (spec §4.8 step
// 2): records are parsed strictly, the pipeline runs, idempotency is
// skipped entirely, and no failures are ever reported.
func (o *Orchestrator) runDirectInvoke(ctx context.Context, envelopes []envelope.EventEnvelope) (BatchResult, error) {
	var survivors []recordEntry
	for _, env := range envelopes {
		refs, err := envelope.Parse(env)
		if err != nil {
			return BatchResult{}, err
		}
		for _, ref := range refs {
			survivors = append(survivors, recordEntry{recordID: ref.OriginalKey, envID: env.EnvelopeID, ref: ref})
		}
	}
	if len(survivors) == 0 {
		return BatchResult{}, nil
	}

	gov := budget.New(o.clock, o.cfg.TimeoutGuardThreshold, o.cfg.MaxBundleOnDiskBytes)
	writer := archive.New(o.cfg.SpoolThresholdBytes, "")

	jobs := make([]fetch.Job, 0, len(survivors))
	for _, s := range survivors {
		jobs = append(jobs, fetch.Job{Ref: s.ref, RecordID: s.recordID})
	}
	resultCh := make(chan fetch.Result, o.cfg.MaxFetchWorkers)
	go func() {
		_ = fetch.Run(ctx, o.store, jobs, o.cfg.MaxFetchWorkers, resultCh, o.cfg.QueuePutTimeout)
		close(resultCh)
	}()

	_, _, err := writer.Consume(resultCh, gov)
	if err != nil {
		return BatchResult{}, err
	}
	artifact, err := writer.Finalize()
	if err != nil {
		return BatchResult{}, err
	}
	body, err := artifact.Spool.Rewind()
	if err != nil {
		return BatchResult{}, err
	}
	destinationKey := buildDestinationKey(time.Now().UTC(), o.newID())
	if err := o.uploadDst.Upload(ctx, destinationKey, body, artifact.SHA256Hex, o.cfg.BundleEncryptionKeyID); err != nil {
		return BatchResult{}, err
	}
	_ = writer.Close()
	return BatchResult{}, nil
}

// buildDestinationKey matches spec §4.8 step 6 / §6's literal layout.
func buildDestinationKey(t time.Time, invocationID string) string {
	return fmt.Sprintf("%04d/%02d/%02d/%02d/bundle-%s.tar.gz", t.Year(), t.Month(), t.Day(), t.Hour(), invocationID)
}
