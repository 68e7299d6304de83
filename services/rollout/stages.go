package rollout

import (
	"fmt"
	"strings"
	"time"
)

const (
	// assignmentNameSuffix makes the assignment name a pure function of the
	// stage name, so repeated runs update the same assignment resource.
	assignmentNameSuffix = "dynamicassignment1"

	maintenanceAPIVersion = "2023-04-01"

	windowTimeLayout = "2006-01-02 15:04"
	windowRecurrence = "Week"
)

// classificationsToInclude is fixed for both OS families: the pipeline only
// replicates security-relevant package sets.
var classificationsToInclude = []string{"Critical", "Security"}

// RenderStages turns the aggregated reference values and the ordered stage
// descriptors into deployable documents: one configuration and one assignment
// per scope for each stage, preserving descriptor and scope order. Duplicate
// stage names are not rejected here; they surface downstream as updates to
// the same resource.
func RenderStages(ref AggregatedReference, referenceRunID string, stages []StageDescriptor) ([]RenderedStage, error) {
	subscription, resourceGroup, err := parseScopeIdentifiers(referenceRunID)
	if err != nil {
		return nil, err
	}

	rendered := make([]RenderedStage, 0, len(stages))
	for _, stage := range stages {
		cfg := RenderedConfiguration{
			Name:              stage.StageName,
			Subscription:      subscription,
			ResourceGroup:     resourceGroup,
			Location:          ref.Location,
			Tags:              ref.Tags,
			Duration:          ref.Duration,
			RebootSetting:     ref.RebootSetting,
			WindowsKBIDs:      ref.WindowsKBIDs,
			LinuxPackageMasks: ref.LinuxPackageMasks,
			Window:            stageWindow(ref.ReferenceTimestamp, stage.OffsetDays),
		}

		assignments := make([]RenderedAssignment, 0, len(stage.Scope))
		for _, scope := range stage.Scope {
			assignments = append(assignments, RenderedAssignment{
				Name:            AssignmentName(stage.StageName),
				Scope:           scope,
				ConfigurationID: cfg.ResourceID(),
				Filter:          stage.Filter,
			})
		}

		rendered = append(rendered, RenderedStage{Configuration: cfg, Assignments: assignments})
	}

	return rendered, nil
}

// AssignmentName derives the assignment resource name for a stage.
func AssignmentName(stageName string) string {
	return stageName + assignmentNameSuffix
}

// stageWindow computes the one-day maintenance window for a stage: start is
// the reference timestamp shifted by the stage offset, end is one day later,
// both truncated to minute precision in UTC. The one-day width is fixed
// policy.
func stageWindow(reference time.Time, offsetDays int) Window {
	start := reference.UTC().AddDate(0, 0, offsetDays).Truncate(time.Minute)
	end := reference.UTC().AddDate(0, 0, offsetDays+1).Truncate(time.Minute)
	return Window{Start: start, End: end}
}

// parseScopeIdentifiers extracts the subscription and resource group from a
// canonical /subscriptions/{id}/resourceGroups/{name}/... resource ID.
func parseScopeIdentifiers(resourceID string) (string, string, error) {
	segments := strings.Split(resourceID, "/")
	if len(segments) < 5 ||
		!strings.EqualFold(segments[1], "subscriptions") ||
		!strings.EqualFold(segments[3], "resourceGroups") ||
		segments[2] == "" || segments[4] == "" {
		return "", "", fmt.Errorf("reference run id %q is not a subscription-scoped resource id", resourceID)
	}
	return segments[2], segments[4], nil
}

// Template renders the ARM deployment template carrying the maintenance
// configuration. Exclusion lists stay null: the pipeline only narrows by
// inclusion.
func (rc RenderedConfiguration) Template() map[string]any {
	return map[string]any{
		"$schema":        "https://schema.management.azure.com/schemas/2019-04-01/deploymentTemplate.json#",
		"contentVersion": "1.0.0.0",
		"resources": []any{
			map[string]any{
				"type":       "Microsoft.Maintenance/maintenanceConfigurations",
				"apiVersion": maintenanceAPIVersion,
				"name":       rc.Name,
				"location":   rc.Location,
				"tags":       rc.Tags,
				"properties": map[string]any{
					"maintenanceScope": "InGuestPatch",
					"maintenanceWindow": map[string]any{
						"startDateTime":      rc.Window.Start.Format(windowTimeLayout),
						"expirationDateTime": rc.Window.End.Format(windowTimeLayout),
						"duration":           rc.Duration,
						"timeZone":           "UTC",
						"recurEvery":         windowRecurrence,
					},
					"installPatches": map[string]any{
						"rebootSetting": rc.RebootSetting,
						"windowsParameters": map[string]any{
							"classificationsToInclude": classificationsToInclude,
							"kbNumbersToInclude":       rc.WindowsKBIDs,
							"kbNumbersToExclude":       nil,
						},
						"linuxParameters": map[string]any{
							"classificationsToInclude":  classificationsToInclude,
							"packageNameMasksToInclude": rc.LinuxPackageMasks,
							"packageNameMasksToExclude": nil,
						},
					},
					"extensionProperties": map[string]any{
						"InGuestPatchMode": "User",
					},
				},
			},
		},
	}
}

// Path returns the scope-relative resource path the assignment is PUT to.
func (ra RenderedAssignment) Path() string {
	return fmt.Sprintf("%s/providers/Microsoft.Maintenance/configurationAssignments/%s",
		strings.TrimRight(ra.Scope, "/"), ra.Name)
}

// Body renders the assignment resource body. The stage filter rides along
// verbatim.
func (ra RenderedAssignment) Body() map[string]any {
	return map[string]any{
		"properties": map[string]any{
			"maintenanceConfigurationId": ra.ConfigurationID,
			"resourceId":                 ra.Scope,
			"filter":                     ra.Filter.Interface(),
		},
	}
}
