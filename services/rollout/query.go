package rollout

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// graphPageSize is the maximum row count the resource graph service returns
// per call. The fetch loop pages with an increasing skip offset until a page
// comes back short; a total that is an exact multiple of the page size costs
// one extra empty call.
const graphPageSize = 1000

// QueryClient is the single-page query contract the engine needs from the
// resource graph service.
type QueryClient interface {
	Query(ctx context.Context, query string, subscriptions []string, top, skip int) ([]map[string]any, error)
}

// The installed-patches query joins successful install-result facts for the
// reference run with their child software-patch facts (keeping only packages
// that actually installed) and the reference maintenance configuration's
// window metadata. Both placeholders receive the lower-cased reference run
// identifier.
const installedPatchesQueryTemplate = `patchinstallationresources
| where type !has "softwarepatches"
| where properties.status =~ "Succeeded"
| extend runId = tolower(tostring(properties.startedBy.maintenanceRunId))
| extend runId = iff(indexof(runId, "/providers/microsoft.maintenance/applyupdates") > 0, substring(runId, 0, indexof(runId, "/providers/microsoft.maintenance/applyupdates")), runId)
| where runId == "%s"
| extend machineId = tolower(tostring(split(id, "/patchinstallationresults/")[0]))
| join kind=inner (
    patchinstallationresources
    | where type has "softwarepatches"
    | extend machineId = tolower(tostring(split(id, "/patchinstallationresults/")[0]))
    | extend osType = tostring(properties.osType),
        patchName = tostring(properties.patchName),
        patchVersion = tostring(properties.version),
        kbId = tostring(properties.kbId),
        installationState = tostring(properties.installationState)
    | where installationState =~ "Installed"
) on machineId
| join kind=inner (
    resources
    | where type =~ "microsoft.maintenance/maintenanceconfigurations"
    | extend configId = tolower(id)
    | where configId == "%s"
    | extend lastDeploymentStart = tostring(properties.maintenanceWindow.startDateTime),
        maintenanceDuration = tostring(properties.maintenanceWindow.duration),
        rebootSetting = tostring(properties.installPatches.rebootSetting),
        mcTags = tostring(tags)
) on $left.runId == $right.configId
| distinct osType, lastDeploymentStart, maintenanceDuration, patchName, patchVersion, kbId, rebootSetting, location, mcTags`

func installedPatchesQuery(referenceRunID string) string {
	runID := strings.ToLower(strings.TrimSpace(referenceRunID))
	return fmt.Sprintf(installedPatchesQueryTemplate, runID, runID)
}

// FetchInstalledPatches returns every installed-package record tied to the
// reference maintenance run, paging through the resource graph service until
// the result set is exhausted. Service errors are fatal for the run.
func FetchInstalledPatches(ctx context.Context, client QueryClient, referenceRunID string, subscriptions []string) ([]InstallationRecord, error) {
	if client == nil {
		return nil, errors.New("query client is required")
	}
	if strings.TrimSpace(referenceRunID) == "" {
		return nil, errors.New("reference run id is required")
	}

	query := installedPatchesQuery(referenceRunID)

	var records []InstallationRecord
	for skip := 0; ; skip += graphPageSize {
		rows, err := client.Query(ctx, query, subscriptions, graphPageSize, skip)
		if err != nil {
			return nil, fmt.Errorf("fetch installed patches: %w", err)
		}
		for _, row := range rows {
			record, err := recordFromRow(row)
			if err != nil {
				return nil, fmt.Errorf("fetch installed patches: %w", err)
			}
			records = append(records, record)
		}
		if len(rows) < graphPageSize {
			break
		}
	}

	return records, nil
}

func recordFromRow(row map[string]any) (InstallationRecord, error) {
	osType := rowString(row, "osType")
	switch OSType(osType) {
	case OSTypeWindows, OSTypeLinux:
	default:
		return InstallationRecord{}, fmt.Errorf("row has unrecognized osType %q", osType)
	}

	record := InstallationRecord{
		OSType:              OSType(osType),
		LastDeploymentStart: rowString(row, "lastDeploymentStart"),
		MaintenanceDuration: rowString(row, "maintenanceDuration"),
		PatchName:           rowString(row, "patchName"),
		PatchVersion:        rowString(row, "patchVersion"),
		KBID:                rowString(row, "kbId"),
		RebootSetting:       rowString(row, "rebootSetting"),
		Location:            rowString(row, "location"),
		Tags:                rowString(row, "mcTags"),
	}
	if record.LastDeploymentStart == "" {
		return InstallationRecord{}, errors.New("row is missing lastDeploymentStart")
	}
	return record, nil
}

func rowString(row map[string]any, key string) string {
	value, ok := row[key]
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}
