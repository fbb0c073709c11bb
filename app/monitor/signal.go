package monitor

// Signal is one heuristic observation of page state produced by a probe tick.
// Higher priority means higher confidence; structural detectors (completion
// text, new media elements) outrank pure percentage reads and bar-width ratios.
type Signal struct {
	Kind     string `json:"kind"`
	Progress int    `json:"progress"`
	Priority int    `json:"priority"`
	Detail   string `json:"detail,omitempty"`
}

// detector priorities, fixed per detector. Values of 100 reported with
// priority >= PriorityAuthoritative are treated as immediately authoritative.
const (
	PriorityCompletionText = 25 // explicit "done" marker with no in-progress markers
	PriorityNewThumbnail   = 22 // matching-pattern result thumbnail appended
	PriorityPlayableMedia  = 20 // media element with resolvable CDN source
	PriorityNoProgressUI   = 18 // no in-progress markers but result elements present
	PriorityPhasePercent   = 15 // phase label followed by number-percent token
	PriorityBarePercent    = 12 // short leaf text node with number-percent token
	PriorityBarWidth       = 8  // progress-bar width ratio vs parent

	PriorityAuthoritative = PriorityNoProgressUI
)

// Resolve picks the winning signal: highest priority among signals with a
// progress value in [0,100]. Ties are broken by evaluation order (first wins);
// the order is deterministic per probe script but carries no semantic meaning.
func Resolve(signals []Signal) (Signal, bool) {
	var winner Signal
	found := false
	for _, sig := range signals {
		if sig.Progress < 0 || sig.Progress > 100 {
			continue
		}
		if !found || sig.Priority > winner.Priority {
			winner = sig
			found = true
		}
	}
	return winner, found
}
