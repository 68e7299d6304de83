package rollout

import (
	"reflect"
	"testing"
	"time"
)

const testReferenceRunID = "/subscriptions/1111-2222/resourceGroups/patch-rg/providers/Microsoft.Maintenance/maintenanceConfigurations/ring0"

func testReference() AggregatedReference {
	return AggregatedReference{
		ReferenceTimestamp: time.Date(2024, 1, 1, 3, 30, 0, 0, time.UTC),
		Duration:           "03:55",
		RebootSetting:      "IfRequired",
		Location:           "eastus2",
		Tags:               map[string]string{"env": "prod"},
		WindowsKBIDs:       []string{"4580325", "5001567"},
		LinuxPackageMasks:  []string{"openssl=1.9"},
	}
}

func TestStageWindow(t *testing.T) {
	tests := []struct {
		name       string
		reference  time.Time
		offsetDays int
		wantStart  time.Time
		wantEnd    time.Time
	}{
		{
			name:       "seven day offset",
			reference:  time.Date(2024, 1, 1, 3, 30, 0, 0, time.UTC),
			offsetDays: 7,
			wantStart:  time.Date(2024, 1, 8, 3, 30, 0, 0, time.UTC),
			wantEnd:    time.Date(2024, 1, 9, 3, 30, 0, 0, time.UTC),
		},
		{
			name:       "zero offset keeps reference day",
			reference:  time.Date(2024, 1, 1, 3, 30, 0, 0, time.UTC),
			offsetDays: 0,
			wantStart:  time.Date(2024, 1, 1, 3, 30, 0, 0, time.UTC),
			wantEnd:    time.Date(2024, 1, 2, 3, 30, 0, 0, time.UTC),
		},
		{
			name:       "seconds truncate to the minute",
			reference:  time.Date(2024, 1, 1, 3, 30, 45, 500, time.UTC),
			offsetDays: 1,
			wantStart:  time.Date(2024, 1, 2, 3, 30, 0, 0, time.UTC),
			wantEnd:    time.Date(2024, 1, 3, 3, 30, 0, 0, time.UTC),
		},
		{
			name:       "non-utc reference normalizes",
			reference:  time.Date(2024, 1, 1, 3, 30, 0, 0, time.FixedZone("plus2", 2*3600)),
			offsetDays: 1,
			wantStart:  time.Date(2024, 1, 2, 1, 30, 0, 0, time.UTC),
			wantEnd:    time.Date(2024, 1, 3, 1, 30, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stageWindow(tt.reference, tt.offsetDays)
			if !got.Start.Equal(tt.wantStart) || !got.End.Equal(tt.wantEnd) {
				t.Fatalf("stageWindow() = [%v, %v], want [%v, %v]", got.Start, got.End, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestAssignmentNameIsPure(t *testing.T) {
	first := AssignmentName("ring1")
	second := AssignmentName("ring1")
	if first != second {
		t.Fatalf("AssignmentName() not deterministic: %q vs %q", first, second)
	}
	if first != "ring1dynamicassignment1" {
		t.Fatalf("AssignmentName() = %q", first)
	}
}

func TestParseScopeIdentifiers(t *testing.T) {
	tests := []struct {
		name             string
		input            string
		wantSubscription string
		wantGroup        string
		wantErr          bool
	}{
		{
			name:             "canonical resource id",
			input:            testReferenceRunID,
			wantSubscription: "1111-2222",
			wantGroup:        "patch-rg",
		},
		{
			name:             "case insensitive markers",
			input:            "/Subscriptions/abc/resourcegroups/rg1/providers/x",
			wantSubscription: "abc",
			wantGroup:        "rg1",
		},
		{
			name:    "missing resource group",
			input:   "/subscriptions/abc",
			wantErr: true,
		},
		{
			name:    "not a resource id",
			input:   "ring0",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, group, err := parseScopeIdentifiers(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseScopeIdentifiers() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if sub != tt.wantSubscription || group != tt.wantGroup {
				t.Fatalf("parseScopeIdentifiers() = %q, %q; want %q, %q", sub, group, tt.wantSubscription, tt.wantGroup)
			}
		})
	}
}

func TestRenderStages(t *testing.T) {
	filter, err := FromJSON([]byte(`{"osTypes":["Windows"]}`))
	if err != nil {
		t.Fatalf("FromJSON() error = %v", err)
	}

	stages := []StageDescriptor{
		{
			StageName:  "ring1",
			OffsetDays: 7,
			Scope:      []string{"/subscriptions/1111-2222", "/subscriptions/3333-4444"},
			Filter:     filter,
		},
		{
			StageName:  "ring2",
			OffsetDays: 14,
			Scope:      []string{"/subscriptions/1111-2222/resourceGroups/canary"},
		},
	}

	rendered, err := RenderStages(testReference(), testReferenceRunID, stages)
	if err != nil {
		t.Fatalf("RenderStages() error = %v", err)
	}
	if len(rendered) != 2 {
		t.Fatalf("RenderStages() returned %d stages, want 2", len(rendered))
	}

	cfg := rendered[0].Configuration
	if cfg.Name != "ring1" || cfg.Subscription != "1111-2222" || cfg.ResourceGroup != "patch-rg" {
		t.Fatalf("configuration identity = %q/%q/%q", cfg.Name, cfg.Subscription, cfg.ResourceGroup)
	}
	wantID := "/subscriptions/1111-2222/resourceGroups/patch-rg/providers/Microsoft.Maintenance/maintenanceConfigurations/ring1"
	if cfg.ResourceID() != wantID {
		t.Fatalf("ResourceID() = %q, want %q", cfg.ResourceID(), wantID)
	}
	if !cfg.Window.Start.Equal(time.Date(2024, 1, 8, 3, 30, 0, 0, time.UTC)) {
		t.Fatalf("stage 1 window start = %v", cfg.Window.Start)
	}

	if len(rendered[0].Assignments) != 2 {
		t.Fatalf("stage 1 has %d assignments, want 2", len(rendered[0].Assignments))
	}
	for i, assignment := range rendered[0].Assignments {
		if assignment.Name != "ring1dynamicassignment1" {
			t.Fatalf("assignment %d name = %q", i, assignment.Name)
		}
		if assignment.ConfigurationID != wantID {
			t.Fatalf("assignment %d configuration = %q", i, assignment.ConfigurationID)
		}
		if assignment.Scope != stages[0].Scope[i] {
			t.Fatalf("assignment %d scope = %q, want %q", i, assignment.Scope, stages[0].Scope[i])
		}
	}

	if start := rendered[1].Configuration.Window.Start; !start.Equal(time.Date(2024, 1, 15, 3, 30, 0, 0, time.UTC)) {
		t.Fatalf("stage 2 window start = %v", start)
	}
}

func TestRenderStagesRejectsNonResourceReference(t *testing.T) {
	if _, err := RenderStages(testReference(), "ring0", []StageDescriptor{{StageName: "ring1", Scope: []string{"/subscriptions/a"}}}); err == nil {
		t.Fatal("RenderStages() expected error for non-resource reference run id")
	}
}

func TestConfigurationTemplate(t *testing.T) {
	ref := testReference()
	rendered, err := RenderStages(ref, testReferenceRunID, []StageDescriptor{
		{StageName: "ring1", OffsetDays: 7, Scope: []string{"/subscriptions/1111-2222"}},
	})
	if err != nil {
		t.Fatalf("RenderStages() error = %v", err)
	}

	template := rendered[0].Configuration.Template()
	resources, ok := template["resources"].([]any)
	if !ok || len(resources) != 1 {
		t.Fatalf("template resources = %v", template["resources"])
	}
	resource := resources[0].(map[string]any)
	if resource["name"] != "ring1" || resource["type"] != "Microsoft.Maintenance/maintenanceConfigurations" {
		t.Fatalf("resource identity = %v/%v", resource["name"], resource["type"])
	}

	properties := resource["properties"].(map[string]any)
	window := properties["maintenanceWindow"].(map[string]any)
	if window["startDateTime"] != "2024-01-08 03:30" || window["expirationDateTime"] != "2024-01-09 03:30" {
		t.Fatalf("window = %v to %v", window["startDateTime"], window["expirationDateTime"])
	}
	if window["recurEvery"] != "Week" || window["timeZone"] != "UTC" || window["duration"] != "03:55" {
		t.Fatalf("window policy = %v/%v/%v", window["recurEvery"], window["timeZone"], window["duration"])
	}

	install := properties["installPatches"].(map[string]any)
	windowsParams := install["windowsParameters"].(map[string]any)
	if !reflect.DeepEqual(windowsParams["kbNumbersToInclude"], ref.WindowsKBIDs) {
		t.Fatalf("kbNumbersToInclude = %v", windowsParams["kbNumbersToInclude"])
	}
	if windowsParams["kbNumbersToExclude"] != nil {
		t.Fatalf("kbNumbersToExclude = %v, want nil", windowsParams["kbNumbersToExclude"])
	}
	linuxParams := install["linuxParameters"].(map[string]any)
	if !reflect.DeepEqual(linuxParams["packageNameMasksToInclude"], ref.LinuxPackageMasks) {
		t.Fatalf("packageNameMasksToInclude = %v", linuxParams["packageNameMasksToInclude"])
	}
}

func TestAssignmentPathAndBody(t *testing.T) {
	filter, err := FromJSON([]byte(`{"locations":["eastus2"]}`))
	if err != nil {
		t.Fatalf("FromJSON() error = %v", err)
	}

	assignment := RenderedAssignment{
		Name:            "ring1dynamicassignment1",
		Scope:           "/subscriptions/3333-4444",
		ConfigurationID: "/subscriptions/1111-2222/resourceGroups/patch-rg/providers/Microsoft.Maintenance/maintenanceConfigurations/ring1",
		Filter:          filter,
	}

	wantPath := "/subscriptions/3333-4444/providers/Microsoft.Maintenance/configurationAssignments/ring1dynamicassignment1"
	if assignment.Path() != wantPath {
		t.Fatalf("Path() = %q, want %q", assignment.Path(), wantPath)
	}

	body := assignment.Body()
	properties := body["properties"].(map[string]any)
	if properties["maintenanceConfigurationId"] != assignment.ConfigurationID {
		t.Fatalf("maintenanceConfigurationId = %v", properties["maintenanceConfigurationId"])
	}
	if properties["resourceId"] != assignment.Scope {
		t.Fatalf("resourceId = %v", properties["resourceId"])
	}
	if !reflect.DeepEqual(properties["filter"], map[string]any{"locations": []any{"eastus2"}}) {
		t.Fatalf("filter = %v", properties["filter"])
	}
}
