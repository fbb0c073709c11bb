package artifacts

import (
	"fmt"
)

// scanScript collects job ids referenced by anchors on the current page with
// their associated media elements, in DOM order. The host page renders the
// most recent job first, so first-seen group order means newest first.
const scanScript = `() => {
	const entries = [];
	const anchors = document.querySelectorAll("a[href*='/jobs/']");
	for (const a of anchors) {
		const m = a.href.match(/\/jobs\/([a-zA-Z0-9-]+)/);
		if (!m) continue;
		const jobId = m[1];
		const scope = a.closest("div") || a;
		const media = scope.querySelectorAll("video, video source, img");
		let idx = 0;
		for (const el of media) {
			if (!el.src) continue;
			entries.push({jobId: jobId, url: el.src, index: idx, thumb: el.tagName === "IMG" ? el.src : ""});
			idx++;
		}
		if (media.length === 0) {
			entries.push({jobId: jobId, url: "", index: -1, thumb: ""});
		}
	}
	return entries;
}`

// ScanPage extracts artifacts from the rendered grid, grouped by job id with
// first-seen order preserved. With a non-empty jobID the matching group is
// returned; otherwise the first (most recent) group. Within a group entries
// are deduplicated by index and by URL.
func (r *Resolver) ScanPage(page Page, jobID string) (string, []Artifact, error) {
	raw, err := page.Evaluate(scanScript)
	if err != nil {
		return "", nil, fmt.Errorf("page scan failed: %w", err)
	}

	order, groups := groupScanEntries(raw)
	if len(order) == 0 {
		return "", nil, ErrNotReady
	}

	target := jobID
	if target == "" {
		target = order[0]
	}
	group, ok := groups[target]
	if !ok || len(group) == 0 {
		return target, nil, ErrNotReady
	}
	return target, Dedup(group, r.MaxPerJob), nil
}

// groupScanEntries folds raw scan output into per-job artifact groups,
// preserving first-seen job order and skipping duplicate indexes
func groupScanEntries(raw interface{}) (order []string, groups map[string][]Artifact) {
	groups = make(map[string][]Artifact)

	items, ok := raw.([]interface{})
	if !ok {
		return order, groups
	}

	seenIdx := make(map[string]map[int]bool)
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		jobID, _ := m["jobId"].(string)
		if jobID == "" {
			continue
		}
		if _, known := groups[jobID]; !known {
			order = append(order, jobID)
			groups[jobID] = nil
			seenIdx[jobID] = make(map[int]bool)
		}

		url, _ := m["url"].(string)
		if url == "" {
			continue // anchor without media, group still registered
		}
		idx := -1
		if v, ok := m["index"].(float64); ok {
			idx = int(v)
		}
		if idx >= 0 && seenIdx[jobID][idx] {
			continue
		}
		if idx >= 0 {
			seenIdx[jobID][idx] = true
		}
		thumb, _ := m["thumb"].(string)
		groups[jobID] = append(groups[jobID], Artifact{JobID: jobID, URL: url, ThumbnailURL: thumb, Index: idx})
	}
	return order, groups
}
