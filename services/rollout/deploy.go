package rollout

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"patchwave/pkg/azure"
)

// deploymentNameTimeLayout suffixes deployment names so repeated runs never
// collide on the deployment record while the underlying resource name stays
// stable.
const deploymentNameTimeLayout = "20060102150405"

// Driver submits rendered stages to ARM. A failed configuration deployment
// skips that stage's assignments; a failed assignment only skips its own
// scope. Nothing is rolled back.
type Driver struct {
	ARM    *azure.Client
	Logger *log.Logger
	Now    func() time.Time
}

// ScopeResult is the outcome of one assignment PUT.
type ScopeResult struct {
	Scope          string
	AssignmentName string
	Status         int
	Detail         string
	Err            error
}

// Succeeded reports whether the assignment call landed in the 2xx range.
func (r ScopeResult) Succeeded() bool {
	return r.Err == nil && r.Status >= 200 && r.Status <= 299
}

// StageResult is the outcome of one stage: the configuration deployment plus
// every scope assignment attempted.
type StageResult struct {
	StageName        string
	ConfigurationErr error
	Scopes           []ScopeResult
}

// Succeeded reports whether the configuration deployed and every scope
// assignment landed.
func (r StageResult) Succeeded() bool {
	if r.ConfigurationErr != nil {
		return false
	}
	for _, scope := range r.Scopes {
		if !scope.Succeeded() {
			return false
		}
	}
	return true
}

// Deploy submits every rendered stage in order and reports per-stage
// outcomes. It never aborts early: one stage's failure does not block the
// next.
func (d *Driver) Deploy(ctx context.Context, stages []RenderedStage) []StageResult {
	results := make([]StageResult, 0, len(stages))
	for _, stage := range stages {
		results = append(results, d.deployStage(ctx, stage))
	}
	return results
}

func (d *Driver) deployStage(ctx context.Context, stage RenderedStage) StageResult {
	cfg := stage.Configuration
	result := StageResult{StageName: cfg.Name}

	deploymentName := fmt.Sprintf("%s-%s", cfg.Name, d.now().UTC().Format(deploymentNameTimeLayout))
	if err := d.ARM.CreateDeployment(ctx, cfg.Subscription, cfg.ResourceGroup, deploymentName, cfg.Template()); err != nil {
		result.ConfigurationErr = err
		stageDeploymentsTotal.WithLabelValues("failure").Inc()
		d.logf("ERROR stage %s: configuration deployment failed: %v", cfg.Name, err)
		return result
	}
	stageDeploymentsTotal.WithLabelValues("success").Inc()
	d.logf("INFO stage %s: maintenance configuration created or updated", cfg.Name)

	for _, assignment := range stage.Assignments {
		status, body, err := d.ARM.PutResource(ctx, assignment.Path(), maintenanceAPIVersion, assignment.Body())
		scopeResult := ScopeResult{
			Scope:          assignment.Scope,
			AssignmentName: assignment.Name,
			Status:         status,
			Err:            err,
		}
		switch {
		case err != nil:
			d.logf("ERROR stage %s: assignment %s for scope %s failed: %v", cfg.Name, assignment.Name, assignment.Scope, err)
		case scopeResult.Succeeded():
			d.logf("INFO stage %s: assignment %s applied to scope %s", cfg.Name, assignment.Name, assignment.Scope)
		default:
			scopeResult.Detail = strings.TrimSpace(string(body))
			d.logf("ERROR stage %s: assignment %s for scope %s returned status %d: %s",
				cfg.Name, assignment.Name, assignment.Scope, status, scopeResult.Detail)
		}
		if scopeResult.Succeeded() {
			assignmentResultsTotal.WithLabelValues("success").Inc()
		} else {
			assignmentResultsTotal.WithLabelValues("failure").Inc()
		}
		result.Scopes = append(result.Scopes, scopeResult)
	}

	return result
}

func (d *Driver) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Driver) logf(format string, args ...any) {
	if d.Logger == nil {
		return
	}
	d.Logger.Printf(format, args...)
}
