package rollout

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"patchwave/pkg/azure"
)

func TestPipelineRunEndToEnd(t *testing.T) {
	row := patchRow("openssl")
	row["osType"] = "Windows"
	row["kbId"] = "4580325"
	row2 := patchRow("openssl")
	row2["osType"] = "Windows"
	row2["kbId"] = "5001567"

	graphClient := &fakeQueryClient{pages: [][]map[string]any{{row, row2}}}

	type capturedPut struct {
		path string
		body map[string]any
	}
	var puts []capturedPut
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		puts = append(puts, capturedPut{path: r.URL.Path, body: body})
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	arm, err := azure.NewClient(server.Client(), server.URL)
	if err != nil {
		t.Fatalf("azure.NewClient() error = %v", err)
	}

	pipeline := &Pipeline{
		Graph: graphClient,
		ARM:   arm,
		Now:   func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) },
	}

	runID := uuid.New()
	report, err := pipeline.Run(context.Background(), RunOptions{
		RunID:          runID,
		ReferenceRunID: testReferenceRunID,
		Stages: []StageDescriptor{
			{
				StageName:  "ring1",
				OffsetDays: 7,
				Scope:      []string{"/subscriptions/scope-1", "/subscriptions/scope-2"},
			},
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.RunID != runID {
		t.Fatalf("report run id = %s, want %s", report.RunID, runID)
	}
	if report.Status != RunStatusSuccess {
		t.Fatalf("report status = %q, want %q", report.Status, RunStatusSuccess)
	}
	if report.WindowsKBCount != 2 || report.LinuxPackageCount != 0 {
		t.Fatalf("report counts = %d windows / %d linux", report.WindowsKBCount, report.LinuxPackageCount)
	}
	if len(report.Stages) != 1 || !report.Stages[0].Succeeded() {
		t.Fatalf("report stages = %+v", report.Stages)
	}

	// One deployment, then the two scope assignments against the same
	// configuration.
	if len(puts) != 3 {
		t.Fatalf("saw %d PUT calls, want 3", len(puts))
	}
	if !strings.Contains(puts[0].path, "/providers/Microsoft.Resources/deployments/") {
		t.Fatalf("first PUT path = %q", puts[0].path)
	}

	wantConfigID := "/subscriptions/1111-2222/resourceGroups/patch-rg/providers/Microsoft.Maintenance/maintenanceConfigurations/ring1"
	for _, put := range puts[1:] {
		if !strings.Contains(put.path, "/providers/Microsoft.Maintenance/configurationAssignments/ring1dynamicassignment1") {
			t.Fatalf("assignment PUT path = %q", put.path)
		}
		properties, ok := put.body["properties"].(map[string]any)
		if !ok {
			t.Fatalf("assignment body missing properties: %v", put.body)
		}
		if properties["maintenanceConfigurationId"] != wantConfigID {
			t.Fatalf("assignment configuration id = %v, want %v", properties["maintenanceConfigurationId"], wantConfigID)
		}
	}
}

func TestPipelineRunNoInstalledPackages(t *testing.T) {
	pipeline := &Pipeline{
		Graph: &fakeQueryClient{},
		ARM:   mustTestARMClient(t),
	}

	report, err := pipeline.Run(context.Background(), RunOptions{
		ReferenceRunID: testReferenceRunID,
		Stages:         []StageDescriptor{{StageName: "ring1", Scope: []string{"/subscriptions/scope-1"}}},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Status != RunStatusNoOp {
		t.Fatalf("report status = %q, want %q", report.Status, RunStatusNoOp)
	}
	if len(report.Stages) != 0 {
		t.Fatalf("report stages = %+v, want none for no-op run", report.Stages)
	}
	if report.RunID == uuid.Nil {
		t.Fatal("report run id not generated")
	}
}

func TestPipelineRunValidation(t *testing.T) {
	arm := mustTestARMClient(t)

	tests := []struct {
		name     string
		pipeline *Pipeline
		opts     RunOptions
	}{
		{
			name:     "missing graph client",
			pipeline: &Pipeline{ARM: arm},
			opts: RunOptions{
				ReferenceRunID: testReferenceRunID,
				Stages:         []StageDescriptor{{StageName: "ring1", Scope: []string{"/s"}}},
			},
		},
		{
			name:     "missing reference run id",
			pipeline: &Pipeline{Graph: &fakeQueryClient{}, ARM: arm},
			opts: RunOptions{
				Stages: []StageDescriptor{{StageName: "ring1", Scope: []string{"/s"}}},
			},
		},
		{
			name:     "no stages",
			pipeline: &Pipeline{Graph: &fakeQueryClient{}, ARM: arm},
			opts:     RunOptions{ReferenceRunID: testReferenceRunID},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.pipeline.Run(context.Background(), tt.opts); err == nil {
				t.Fatal("Run() expected error")
			}
		})
	}
}

func mustTestARMClient(t *testing.T) *azure.Client {
	t.Helper()
	arm, err := azure.NewClient(&http.Client{}, "https://example.invalid")
	if err != nil {
		t.Fatalf("azure.NewClient() error = %v", err)
	}
	return arm
}
