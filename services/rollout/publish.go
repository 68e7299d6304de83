package rollout

import (
	"context"

	"patchwave/pkg/bus"
)

// publishEvent emits a rollout lifecycle event. Publishing is best effort:
// a missing bus is a no-op and failures only produce a warning line.
func (p *Pipeline) publishEvent(ctx context.Context, subject string, payload map[string]any) {
	if p.Bus == nil {
		return
	}
	if err := p.Bus.Publish(ctx, subject, payload); err != nil {
		p.logf("WARN publish %s: %v", subject, err)
	}
}

func (p *Pipeline) publishStageDeployed(ctx context.Context, runID string, result StageResult) {
	scopes := make([]map[string]any, 0, len(result.Scopes))
	for _, scope := range result.Scopes {
		scopes = append(scopes, map[string]any{
			"scope":           scope.Scope,
			"assignment_name": scope.AssignmentName,
			"succeeded":       scope.Succeeded(),
			"status":          scope.Status,
		})
	}

	payload := map[string]any{
		"run_id":     runID,
		"stage_name": result.StageName,
		"succeeded":  result.Succeeded(),
		"scopes":     scopes,
	}
	if result.ConfigurationErr != nil {
		payload["configuration_error"] = result.ConfigurationErr.Error()
	}

	p.publishEvent(ctx, bus.StageDeployedSubject, payload)
}
