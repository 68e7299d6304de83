package rollout

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"patchwave/pkg/azure"
	"patchwave/pkg/bus"
	"patchwave/pkg/telemetry"
)

// Pipeline wires the four phases of a staged rollout: query, aggregate,
// render, deploy. Bus, History, and Archive are optional; a nil value skips
// that side channel. The pipeline runs strictly sequentially.
type Pipeline struct {
	Graph   QueryClient
	ARM     *azure.Client
	Bus     *bus.Bus
	History *History
	Archive *Archive
	Logger  *log.Logger
	Now     func() time.Time
}

// RunOptions are the invocation parameters for one rollout run.
type RunOptions struct {
	// RunID identifies the run in history and events. uuid.Nil generates one.
	RunID          uuid.UUID
	ReferenceRunID string
	Subscriptions  []string
	Stages         []StageDescriptor
}

// RunReport summarizes a completed run.
type RunReport struct {
	RunID             uuid.UUID
	Status            string
	WindowsKBCount    int
	LinuxPackageCount int
	SnapshotKey       string
	Stages            []StageResult
}

// Run executes the rollout pipeline. Setup and query failures are fatal;
// per-stage and per-scope deployment failures are captured in the report so
// the run makes maximum forward progress across the fleet.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	if p.Graph == nil {
		return nil, errors.New("graph client is required")
	}
	if p.ARM == nil {
		return nil, errors.New("arm client is required")
	}
	if opts.ReferenceRunID == "" {
		return nil, errors.New("reference run id is required")
	}
	if len(opts.Stages) == 0 {
		return nil, errors.New("at least one stage descriptor is required")
	}

	runID := opts.RunID
	if runID == uuid.Nil {
		runID = uuid.New()
	}

	ctx, span := telemetry.Tracer("rollout").Start(ctx, "rollout.run",
		trace.WithAttributes(
			attribute.String("rollout.run_id", runID.String()),
			attribute.String("rollout.reference_run_id", opts.ReferenceRunID),
			attribute.Int("rollout.stage_count", len(opts.Stages)),
		))
	defer span.End()

	if err := p.History.StartRun(ctx, runID, opts.ReferenceRunID); err != nil {
		p.logf("WARN record run start: %v", err)
	}
	p.publishEvent(ctx, bus.RolloutStartedSubject, map[string]any{
		"run_id":           runID.String(),
		"reference_run_id": opts.ReferenceRunID,
		"stage_count":      len(opts.Stages),
	})

	records, err := FetchInstalledPatches(ctx, p.Graph, opts.ReferenceRunID, opts.Subscriptions)
	if err != nil {
		p.finish(ctx, runID, RunStatusFailed, nil, "", 0)
		return nil, err
	}
	p.logf("INFO found %d installed patch records for reference run %s", len(records), opts.ReferenceRunID)

	ref, warnings, err := Aggregate(records)
	if err != nil {
		p.finish(ctx, runID, RunStatusFailed, nil, "", 0)
		return nil, err
	}
	for _, warning := range warnings {
		p.logf("WARN %s", warning)
	}

	if ref == nil {
		p.logf("INFO reference run installed no packages; no further stages needed")
		p.finish(ctx, runID, RunStatusNoOp, nil, "", 0)
		return &RunReport{RunID: runID, Status: RunStatusNoOp}, nil
	}
	p.logf("INFO aggregated %d windows kb ids and %d linux package masks", len(ref.WindowsKBIDs), len(ref.LinuxPackageMasks))

	stages, err := RenderStages(*ref, opts.ReferenceRunID, opts.Stages)
	if err != nil {
		p.finish(ctx, runID, RunStatusFailed, ref, "", 0)
		return nil, err
	}

	snapshotKey := ""
	if p.Archive != nil {
		key, err := p.Archive.Store(ctx, runID, opts.ReferenceRunID, stages)
		if err != nil {
			p.logf("WARN archive snapshot: %v", err)
		} else {
			snapshotKey = key
			p.logf("INFO archived rollout snapshot to %s", key)
		}
	}

	driver := &Driver{ARM: p.ARM, Logger: p.Logger, Now: p.Now}
	results := driver.Deploy(ctx, stages)

	status := RunStatusSuccess
	for _, result := range results {
		if err := p.History.RecordStageResult(ctx, runID, result); err != nil {
			p.logf("WARN record stage result: %v", err)
		}
		p.publishStageDeployed(ctx, runID.String(), result)
		if !result.Succeeded() {
			status = RunStatusPartial
		}
	}

	p.finish(ctx, runID, status, ref, snapshotKey, len(opts.Stages))

	return &RunReport{
		RunID:             runID,
		Status:            status,
		WindowsKBCount:    len(ref.WindowsKBIDs),
		LinuxPackageCount: len(ref.LinuxPackageMasks),
		SnapshotKey:       snapshotKey,
		Stages:            results,
	}, nil
}

func (p *Pipeline) finish(ctx context.Context, runID uuid.UUID, status string, ref *AggregatedReference, snapshotKey string, stageCount int) {
	windowsKBs, linuxPackages := 0, 0
	if ref != nil {
		windowsKBs = len(ref.WindowsKBIDs)
		linuxPackages = len(ref.LinuxPackageMasks)
	}

	if err := p.History.FinishRun(ctx, runID, status, windowsKBs, linuxPackages, stageCount, snapshotKey); err != nil {
		p.logf("WARN record run finish: %v", err)
	}
	p.publishEvent(ctx, bus.RolloutFinishedSubject, map[string]any{
		"run_id": runID.String(),
		"status": status,
	})
	runsTotal.WithLabelValues(status).Inc()
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.Logger == nil {
		return
	}
	p.Logger.Printf(format, args...)
}
