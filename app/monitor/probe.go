package monitor

import (
	"fmt"
)

// Page is the minimal page-automation surface the monitor depends on.
// playwright.Page satisfies it; tests use fakes.
type Page interface {
	URL() string
	Evaluate(expression string, arg ...interface{}) (interface{}, error)
}

// probeScript runs in page context and returns the raw signal list for one
// tick. Each detector is independent; the reconciler resolves conflicts by
// priority. Keep this a single evaluation - one round-trip per tick.
const probeScript = `(opts) => {
	const signals = [];
	const body = document.body ? document.body.innerText : "";
	const cdnHost = opts && opts.cdnHost ? opts.cdnHost : "";

	const doneMarkers = ["Your video is ready", "Generation complete", "Download all"];
	const busyMarkers = ["Generating", "Rendering", "Processing", "In queue", "Starting"];
	const hasBusy = busyMarkers.some(m => body.includes(m));
	const hasDone = doneMarkers.some(m => body.includes(m));

	// explicit completion text, only trusted when no in-progress markers remain
	if (hasDone && !hasBusy) {
		signals.push({kind: "completion_text", progress: 100, priority: 25, detail: "done marker"});
	}

	// new result thumbnail appended to the grid
	const thumbs = Array.from(document.querySelectorAll("img")).filter(img =>
		img.src && (cdnHost === "" || img.src.includes(cdnHost)) && /\/\d+_\d+|_thumb|\.webp/.test(img.src));
	if (thumbs.length > 0) {
		signals.push({kind: "new_thumbnail", progress: 100, priority: 22, detail: thumbs[0].src});
	}

	// playable media element with a resolvable source
	const vids = Array.from(document.querySelectorAll("video, video source")).filter(v =>
		v.src && /\.(mp4|webm)(\?|$)/.test(v.src) && (cdnHost === "" || v.src.includes(cdnHost)));
	if (vids.length > 0) {
		signals.push({kind: "playable_media", progress: 100, priority: 20, detail: vids[0].src});
	}

	// no in-progress markers but result elements exist
	const results = document.querySelectorAll("video, a[href*='/jobs/']");
	if (!hasBusy && results.length > 0) {
		signals.push({kind: "no_progress_ui", progress: 100, priority: 18, detail: results.length + " results"});
	}

	// phase-labeled percentage, e.g. "Rendering 63%"
	const phase = body.match(/(?:Generating|Rendering|Processing|Animating)\D{0,5}(\d{1,3})\s*%/);
	if (phase) {
		const v = parseInt(phase[1], 10);
		if (v >= 0 && v <= 100) {
			signals.push({kind: "phase_percent", progress: v, priority: 15, detail: phase[0]});
		}
	}

	// bare percentage in a short leaf text node, zoom/scale controls excluded
	const walker = document.createTreeWalker(document.body || document.documentElement, NodeFilter.SHOW_TEXT);
	let node;
	while ((node = walker.nextNode())) {
		const text = node.textContent.trim();
		if (text.length === 0 || text.length > 6) continue;
		const m = text.match(/^(\d{1,3})\s*%$/);
		if (!m) continue;
		const parent = node.parentElement;
		const ctx = parent ? ((parent.className || "") + " " + (parent.id || "")).toLowerCase() : "";
		if (ctx.includes("zoom") || ctx.includes("scale")) continue;
		const v = parseInt(m[1], 10);
		if (v >= 0 && v <= 100) {
			signals.push({kind: "bare_percent", progress: v, priority: 12, detail: text});
			break;
		}
	}

	// rendered progress-bar width relative to its parent
	const bars = document.querySelectorAll("[role='progressbar'], .progress-bar, [class*='progress']");
	for (const bar of bars) {
		if (!bar.parentElement) continue;
		const w = parseFloat(getComputedStyle(bar).width);
		const pw = parseFloat(getComputedStyle(bar.parentElement).width);
		if (!isFinite(w) || !isFinite(pw) || pw <= 0) continue;
		const ratio = Math.round((w / pw) * 100);
		if (ratio >= 0 && ratio <= 100) {
			signals.push({kind: "bar_width", progress: ratio, priority: 8, detail: w + "/" + pw});
			break;
		}
	}

	return signals;
}`

// Probe executes the in-page signal collection and parses the result.
// A failed evaluation or malformed result fails the whole tick for the caller.
func Probe(page Page, cdnHost string) ([]Signal, error) {
	raw, err := page.Evaluate(probeScript, map[string]any{"cdnHost": cdnHost})
	if err != nil {
		return nil, fmt.Errorf("probe evaluation failed: %w", err)
	}
	return parseSignals(raw)
}

// parseSignals converts the loosely typed evaluation result into signals,
// dropping malformed entries rather than failing the tick
func parseSignals(raw interface{}) ([]Signal, error) {
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected probe result type %T", raw)
	}

	signals := make([]Signal, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		sig := Signal{}
		if v, ok := m["kind"].(string); ok {
			sig.Kind = v
		}
		if v, ok := toInt(m["progress"]); ok {
			sig.Progress = v
		} else {
			continue
		}
		if v, ok := toInt(m["priority"]); ok {
			sig.Priority = v
		}
		if v, ok := m["detail"].(string); ok {
			sig.Detail = v
		}
		signals = append(signals, sig)
	}
	return signals, nil
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}
