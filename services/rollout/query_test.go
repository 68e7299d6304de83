package rollout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

type fakeQueryClient struct {
	pages [][]map[string]any
	skips []int
	query string
	err   error
}

func (f *fakeQueryClient) Query(ctx context.Context, query string, subscriptions []string, top, skip int) ([]map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.query = query
	f.skips = append(f.skips, skip)
	page := skip / top
	if page >= len(f.pages) {
		return nil, nil
	}
	return f.pages[page], nil
}

func patchRow(name string) map[string]any {
	return map[string]any{
		"osType":              "Linux",
		"lastDeploymentStart": "2024-01-01 03:30",
		"maintenanceDuration": "03:55",
		"patchName":           name,
		"patchVersion":        "1.0",
		"kbId":                "",
		"rebootSetting":       "IfRequired",
		"location":            "eastus2",
		"mcTags":              `{"env":"prod"}`,
	}
}

func makePage(n int, prefix string) []map[string]any {
	rows := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, patchRow(fmt.Sprintf("%s-%d", prefix, i)))
	}
	return rows
}

func TestFetchInstalledPatchesPaginates(t *testing.T) {
	client := &fakeQueryClient{
		pages: [][]map[string]any{
			makePage(graphPageSize, "a"),
			makePage(graphPageSize, "b"),
			makePage(5, "c"),
		},
	}

	records, err := FetchInstalledPatches(context.Background(), client, testReferenceRunID, nil)
	if err != nil {
		t.Fatalf("FetchInstalledPatches() error = %v", err)
	}
	if want := 2*graphPageSize + 5; len(records) != want {
		t.Fatalf("got %d records, want %d", len(records), want)
	}
	if want := []int{0, graphPageSize, 2 * graphPageSize}; len(client.skips) != len(want) {
		t.Fatalf("query skips = %v, want %v", client.skips, want)
	}
	if last := records[len(records)-1]; last.PatchName != "c-4" {
		t.Fatalf("last record = %q, rows lost or reordered", last.PatchName)
	}
}

func TestFetchInstalledPatchesExactMultiple(t *testing.T) {
	client := &fakeQueryClient{
		pages: [][]map[string]any{makePage(graphPageSize, "a")},
	}

	records, err := FetchInstalledPatches(context.Background(), client, testReferenceRunID, nil)
	if err != nil {
		t.Fatalf("FetchInstalledPatches() error = %v", err)
	}
	if len(records) != graphPageSize {
		t.Fatalf("got %d records, want %d", len(records), graphPageSize)
	}
	// The final short (empty) page costs one extra call.
	if len(client.skips) != 2 {
		t.Fatalf("query skips = %v, want two calls", client.skips)
	}
}

func TestFetchInstalledPatchesLowercasesRunID(t *testing.T) {
	client := &fakeQueryClient{}
	if _, err := FetchInstalledPatches(context.Background(), client, "/Subscriptions/AAA/resourceGroups/RG/providers/Microsoft.Maintenance/maintenanceConfigurations/Ring0", nil); err != nil {
		t.Fatalf("FetchInstalledPatches() error = %v", err)
	}
	if strings.Contains(client.query, "Ring0") {
		t.Fatal("query contains uncanonicalized run id")
	}
	if !strings.Contains(client.query, "/subscriptions/aaa/resourcegroups/rg/providers/microsoft.maintenance/maintenanceconfigurations/ring0") {
		t.Fatalf("query missing lowercased run id:\n%s", client.query)
	}
}

func TestFetchInstalledPatchesErrors(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeQueryClient
		runID  string
	}{
		{
			name:   "service error",
			client: &fakeQueryClient{err: errors.New("throttled")},
			runID:  testReferenceRunID,
		},
		{
			name:   "blank run id",
			client: &fakeQueryClient{},
			runID:  "   ",
		},
		{
			name: "unknown os type",
			client: &fakeQueryClient{pages: [][]map[string]any{{
				map[string]any{"osType": "Solaris", "lastDeploymentStart": "2024-01-01 03:30"},
			}}},
			runID: testReferenceRunID,
		},
		{
			name: "missing deployment start",
			client: &fakeQueryClient{pages: [][]map[string]any{{
				map[string]any{"osType": "Windows"},
			}}},
			runID: testReferenceRunID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FetchInstalledPatches(context.Background(), tt.client, tt.runID, nil); err == nil {
				t.Fatal("FetchInstalledPatches() expected error")
			}
		})
	}
}
