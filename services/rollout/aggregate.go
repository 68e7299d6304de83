package rollout

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// referenceTimestampLayouts covers the start-time renderings the graph
// service has been observed to emit for maintenance windows.
var referenceTimestampLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	time.RFC3339,
}

// Aggregate reduces the installed-patch rows of one reference run to the
// canonical reference values. A nil result with a nil error means the run
// installed nothing and no further stages are needed.
//
// The scalar window fields are properties of the reference configuration and
// must agree across rows; when they do not, the first observed value wins and
// a warning is returned per divergent row for the caller to log.
func Aggregate(records []InstallationRecord) (*AggregatedReference, []string, error) {
	if len(records) == 0 {
		return nil, nil, nil
	}

	first := records[0]

	timestamp, err := parseReferenceTimestamp(first.LastDeploymentStart)
	if err != nil {
		return nil, nil, fmt.Errorf("aggregate reference run: %w", err)
	}

	tags, err := parseTagMap(first.Tags)
	if err != nil {
		return nil, nil, fmt.Errorf("aggregate reference run: parse tags: %w", err)
	}

	var warnings []string
	for i, record := range records[1:] {
		if field := divergentScalarField(first, record); field != "" {
			warnings = append(warnings, fmt.Sprintf("record %d disagrees with first record on %s; keeping first value", i+1, field))
		}
	}

	kbSet := make(map[string]struct{})
	bestLinuxVersion := make(map[string]string)
	for _, record := range records {
		switch record.OSType {
		case OSTypeWindows:
			if record.KBID != "" {
				kbSet[record.KBID] = struct{}{}
			}
		case OSTypeLinux:
			if record.PatchName == "" {
				continue
			}
			// Version order is plain lexicographic: "1.9" outranks "1.10".
			if current, ok := bestLinuxVersion[record.PatchName]; !ok || record.PatchVersion > current {
				bestLinuxVersion[record.PatchName] = record.PatchVersion
			}
		}
	}

	kbIDs := make([]string, 0, len(kbSet))
	for kb := range kbSet {
		kbIDs = append(kbIDs, kb)
	}
	sort.Strings(kbIDs)

	masks := make([]string, 0, len(bestLinuxVersion))
	for name, version := range bestLinuxVersion {
		masks = append(masks, fmt.Sprintf("%s=%s", name, version))
	}
	sort.Strings(masks)

	return &AggregatedReference{
		ReferenceTimestamp: timestamp,
		Duration:           first.MaintenanceDuration,
		RebootSetting:      first.RebootSetting,
		Location:           first.Location,
		Tags:               tags,
		WindowsKBIDs:       kbIDs,
		LinuxPackageMasks:  masks,
	}, warnings, nil
}

// divergentScalarField returns the name of the first scalar reference field
// on which the record disagrees with the first record, or "".
func divergentScalarField(first, record InstallationRecord) string {
	switch {
	case record.LastDeploymentStart != first.LastDeploymentStart:
		return "lastDeploymentStart"
	case record.MaintenanceDuration != first.MaintenanceDuration:
		return "maintenanceDuration"
	case record.RebootSetting != first.RebootSetting:
		return "rebootSetting"
	case record.Location != first.Location:
		return "location"
	case record.Tags != first.Tags:
		return "mcTags"
	default:
		return ""
	}
}

func parseReferenceTimestamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	for _, layout := range referenceTimestampLayouts {
		if ts, err := time.Parse(layout, trimmed); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable deployment start time %q", raw)
}

func parseTagMap(raw string) (map[string]string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return map[string]string{}, nil
	}
	var tags map[string]string
	if err := json.Unmarshal([]byte(trimmed), &tags); err != nil {
		return nil, err
	}
	if tags == nil {
		tags = map[string]string{}
	}
	return tags, nil
}
