package rollout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"patchwave/pkg/azure"
)

func testDriver(t *testing.T, handler http.Handler) (*Driver, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	arm, err := azure.NewClient(server.Client(), server.URL)
	if err != nil {
		t.Fatalf("azure.NewClient() error = %v", err)
	}
	return &Driver{
		ARM: arm,
		Now: func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) },
	}, server
}

func TestDeployPartialFailureIsolation(t *testing.T) {
	var puts []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("unexpected method %s", r.Method)
		}
		puts = append(puts, r.URL.Path)
		if strings.Contains(r.URL.Path, "/subscriptions/scope-2/") {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":{"code":"ScopeLocked"}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	})
	driver, _ := testDriver(t, handler)

	rendered, err := RenderStages(testReference(), testReferenceRunID, []StageDescriptor{
		{
			StageName:  "ring1",
			OffsetDays: 7,
			Scope: []string{
				"/subscriptions/scope-1",
				"/subscriptions/scope-2",
				"/subscriptions/scope-3",
			},
		},
	})
	if err != nil {
		t.Fatalf("RenderStages() error = %v", err)
	}

	results := driver.Deploy(context.Background(), rendered)
	if len(results) != 1 {
		t.Fatalf("got %d stage results, want 1", len(results))
	}
	result := results[0]
	if result.ConfigurationErr != nil {
		t.Fatalf("configuration deployment failed: %v", result.ConfigurationErr)
	}
	if result.Succeeded() {
		t.Fatal("stage reported success despite a failed scope")
	}
	if len(result.Scopes) != 3 {
		t.Fatalf("got %d scope results, want all 3 attempted", len(result.Scopes))
	}
	if !result.Scopes[0].Succeeded() || !result.Scopes[2].Succeeded() {
		t.Fatalf("healthy scopes failed: %+v", result.Scopes)
	}
	if result.Scopes[1].Succeeded() {
		t.Fatal("failed scope reported success")
	}
	if result.Scopes[1].Status != http.StatusConflict || !strings.Contains(result.Scopes[1].Detail, "ScopeLocked") {
		t.Fatalf("failed scope result = %+v", result.Scopes[1])
	}

	// One deployment PUT plus three assignment PUTs.
	if len(puts) != 4 {
		t.Fatalf("saw %d PUT calls, want 4: %v", len(puts), puts)
	}
	if !strings.Contains(puts[0], "/providers/Microsoft.Resources/deployments/ring1-20240102030405") {
		t.Fatalf("deployment path = %q", puts[0])
	}
}

func TestDeployConfigurationFailureSkipsAssignments(t *testing.T) {
	var puts []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		puts = append(puts, r.URL.Path)
		if strings.Contains(r.URL.Path, "/deployments/") {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"code":"InvalidTemplate"}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	driver, _ := testDriver(t, handler)

	rendered, err := RenderStages(testReference(), testReferenceRunID, []StageDescriptor{
		{StageName: "ring1", OffsetDays: 7, Scope: []string{"/subscriptions/scope-1"}},
		{StageName: "ring2", OffsetDays: 14, Scope: []string{"/subscriptions/scope-1"}},
	})
	if err != nil {
		t.Fatalf("RenderStages() error = %v", err)
	}

	results := driver.Deploy(context.Background(), rendered)
	if len(results) != 2 {
		t.Fatalf("got %d stage results, want 2", len(results))
	}
	for _, result := range results {
		if result.ConfigurationErr == nil {
			t.Fatalf("stage %s: expected configuration error", result.StageName)
		}
		if len(result.Scopes) != 0 {
			t.Fatalf("stage %s: assignments attempted after configuration failure", result.StageName)
		}
	}

	// Both stages still tried their deployments; no assignment PUTs happened.
	if len(puts) != 2 {
		t.Fatalf("saw %d PUT calls, want 2: %v", len(puts), puts)
	}
	for _, path := range puts {
		if !strings.Contains(path, "/deployments/") {
			t.Fatalf("unexpected non-deployment PUT %q", path)
		}
	}
}

func TestDeployConcurrentRunsKeepSubscriptions(t *testing.T) {
	var mu sync.Mutex
	deployments := map[string]int{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/deployments/") {
			mu.Lock()
			deployments[strings.SplitN(strings.TrimPrefix(r.URL.Path, "/subscriptions/"), "/", 2)[0]]++
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	})
	driver, _ := testDriver(t, handler)

	runIDs := []string{
		"/subscriptions/aaaa/resourceGroups/rg-a/providers/Microsoft.Maintenance/maintenanceConfigurations/ring0",
		"/subscriptions/bbbb/resourceGroups/rg-b/providers/Microsoft.Maintenance/maintenanceConfigurations/ring0",
	}

	const rounds = 20
	var wg sync.WaitGroup
	for _, runID := range runIDs {
		rendered, err := RenderStages(testReference(), runID, []StageDescriptor{
			{StageName: "ring1", OffsetDays: 7, Scope: []string{"/subscriptions/scope-1"}},
		})
		if err != nil {
			t.Fatalf("RenderStages() error = %v", err)
		}
		wg.Add(1)
		go func(stages []RenderedStage) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				for _, result := range driver.Deploy(context.Background(), stages) {
					if !result.Succeeded() {
						t.Errorf("stage %s failed: %+v", result.StageName, result)
					}
				}
			}
		}(rendered)
	}
	wg.Wait()

	// Every deployment must land in its own stage's subscription; a shared
	// mutable subscription context would let one run's deployment leak into
	// the other's.
	want := map[string]int{"aaaa": rounds, "bbbb": rounds}
	if !reflect.DeepEqual(deployments, want) {
		t.Fatalf("deployments by subscription = %v, want %v", deployments, want)
	}
}
