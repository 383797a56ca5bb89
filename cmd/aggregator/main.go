// Command aggregator is the local/test entrypoint for the batch
// aggregation engine: it builds the AWS clients once at cold start,
// loads process-wide configuration, and runs one batch read from stdin
// as an envelope array. Grounded in the teacher's flat main() style
// (cmd/drone, cmd/chartly): env-var driven, no web framework, signal-aware
// shutdown. Wiring this into an actual queue-triggered runtime is out of
// scope (spec §1).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Ap3pp3rs94/batchforge/internal/config"
	"github.com/Ap3pp3rs94/batchforge/internal/envelope"
	"github.com/Ap3pp3rs94/batchforge/internal/fetch"
	"github.com/Ap3pp3rs94/batchforge/internal/idempotency"
	"github.com/Ap3pp3rs94/batchforge/internal/metrics"
	"github.com/Ap3pp3rs94/batchforge/internal/obslog"
	"github.com/Ap3pp3rs94/batchforge/internal/orchestrator"
	"github.com/Ap3pp3rs94/batchforge/internal/upload"
)

// invocationDeadline is the ceiling this local entrypoint applies to a
// single batch; a real runtime would instead expose its own remaining-time
// clock (spec §4.6).
const invocationDeadline = 5 * time.Minute

// wireEnvelope is the JSON shape this entrypoint reads from stdin: an
// array of {envelope_id, payload} objects, payload itself being the raw
// object-store event notification body.
type wireEnvelope struct {
	EnvelopeID string          `json:"envelope_id"`
	Payload    json.RawMessage `json:"payload"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Get()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log := obslog.New(os.Stdout, obslog.Options{Service: cfg.ServiceName, Level: cfg.LogLevel})

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg)
	ddbClient := dynamodb.NewFromConfig(awsCfg)
	uploadMgr := manager.NewUploader(s3Client)

	store := fetch.NewS3ObjectStore(s3Client)
	guard := idempotency.New(ddbClient, cfg.IdempotencyTable)
	uploader := upload.New(uploadMgr, cfg.DistributionBucket)
	rec := metrics.NewRecorder(prometheus.DefaultRegisterer, "batchforge")

	deadline := time.Now().Add(invocationDeadline)
	clock := func() time.Duration { return time.Until(deadline) }

	orchCfg := orchestrator.Config{
		MaxFetchWorkers:       cfg.MaxFetchWorkers,
		QueuePutTimeout:       time.Duration(cfg.QueuePutTimeoutSecs) * time.Second,
		SpoolThresholdBytes:   cfg.SpoolThresholdBytes(),
		TimeoutGuardThreshold: time.Duration(cfg.TimeoutGuardThreshold) * time.Second,
		MaxBundleOnDiskBytes:  cfg.MaxBundleOnDiskBytes(),
		MaxBundleInputBytes:   cfg.MaxBundleInputBytes(),
		IdempotencyTTLSeconds: cfg.IdempotencyTTLSeconds(),
		DistributionBucket:    cfg.DistributionBucket,
		BundleEncryptionKeyID: cfg.BundleEncryptionKeyID,
		AllowDirectInvoke:     !cfg.IsProduction(),
	}
	orch := orchestrator.New(store, guard, uploader, orchCfg, log, rec, clock)

	envelopes, err := readEnvelopes(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading batch from stdin: %w", err)
	}

	result, err := orch.Run(ctx, envelopes, false)
	if err != nil {
		log.Error(ctx, "batch run failed", map[string]any{"error": err})
		return err
	}

	out, err := json.Marshal(result.ToResponse())
	if err != nil {
		return fmt.Errorf("marshaling response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func readEnvelopes(r io.Reader) ([]envelope.EventEnvelope, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var wire []wireEnvelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	out := make([]envelope.EventEnvelope, 0, len(wire))
	for _, w := range wire {
		out = append(out, envelope.EventEnvelope{EnvelopeID: w.EnvelopeID, Payload: w.Payload})
	}
	return out, nil
}
