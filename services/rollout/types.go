package rollout

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// OSType identifies the OS family of an installed patch record.
type OSType string

const (
	OSTypeWindows OSType = "Windows"
	OSTypeLinux   OSType = "Linux"
)

// InstallationRecord is one projected row from the installed-patches query:
// a single successfully installed package joined with the reference
// maintenance configuration's window metadata. The scalar configuration
// fields repeat on every row of a run.
type InstallationRecord struct {
	OSType              OSType
	LastDeploymentStart string
	MaintenanceDuration string
	PatchName           string
	PatchVersion        string
	KBID                string
	RebootSetting       string
	Location            string
	Tags                string
}

// StageDescriptor is one caller-supplied future stage: where the proven
// package set should be re-applied and how many days after the reference run.
type StageDescriptor struct {
	StageName  string   `json:"stageName"`
	OffsetDays int      `json:"offsetDays"`
	Scope      []string `json:"scope"`
	Filter     Value    `json:"filter"`
}

// ParseStageDescriptors decodes and validates the stage descriptor document.
// Order is preserved; duplicate stage names and duplicate scopes are allowed
// and resolve to idempotent updates downstream.
func ParseStageDescriptors(data []byte) ([]StageDescriptor, error) {
	var stages []StageDescriptor
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&stages); err != nil {
		return nil, fmt.Errorf("parse stage descriptors: %w", err)
	}
	if len(stages) == 0 {
		return nil, errors.New("at least one stage descriptor is required")
	}

	for i, stage := range stages {
		if err := validateStageName(stage.StageName); err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		if stage.OffsetDays < 0 {
			return nil, fmt.Errorf("stage %q: offsetDays must be non-negative, got %d", stage.StageName, stage.OffsetDays)
		}
		if len(stage.Scope) == 0 {
			return nil, fmt.Errorf("stage %q: at least one scope is required", stage.StageName)
		}
		for _, scope := range stage.Scope {
			if strings.TrimSpace(scope) == "" {
				return nil, fmt.Errorf("stage %q: empty scope entry", stage.StageName)
			}
		}
	}

	return stages, nil
}

// validateStageName enforces the resource-name token rules: the stage name
// becomes the maintenance configuration resource name verbatim.
func validateStageName(name string) error {
	if name == "" {
		return errors.New("stageName is required")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("stageName %q contains illegal character %q", name, r)
		}
	}
	return nil
}

// AggregatedReference holds the canonical values derived from one reference
// run: the window scalars shared by every record plus the two package
// inclusion filters. Built once per run and read-only afterwards.
type AggregatedReference struct {
	ReferenceTimestamp time.Time
	Duration           string
	RebootSetting      string
	Location           string
	Tags               map[string]string
	WindowsKBIDs       []string
	LinuxPackageMasks  []string
}

// Window is one maintenance window, minute precision, UTC.
type Window struct {
	Start time.Time
	End   time.Time
}

// RenderedConfiguration is a maintenance configuration ready for submission
// as a resource-group scoped deployment.
type RenderedConfiguration struct {
	Name              string
	Subscription      string
	ResourceGroup     string
	Location          string
	Tags              map[string]string
	Duration          string
	RebootSetting     string
	WindowsKBIDs      []string
	LinuxPackageMasks []string
	Window            Window
}

// ResourceID returns the full ARM identifier the configuration will have once
// deployed.
func (rc RenderedConfiguration) ResourceID() string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Maintenance/maintenanceConfigurations/%s",
		rc.Subscription, rc.ResourceGroup, rc.Name)
}

// RenderedAssignment binds a rendered configuration to one target scope. The
// name is a pure function of the stage name so repeated runs update the same
// assignment resource instead of accreting new ones.
type RenderedAssignment struct {
	Name            string
	Scope           string
	ConfigurationID string
	Filter          Value
}

// RenderedStage is the full output for one stage descriptor: one
// configuration plus one assignment per scope, in scope order.
type RenderedStage struct {
	Configuration RenderedConfiguration
	Assignments   []RenderedAssignment
}
