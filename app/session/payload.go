package session

import (
	"encoding/json"
)

// parseStatusPayload extracts a job id and progress value from an intercepted
// job-status response body. The upstream payload shape is not documented, so
// several common key spellings are probed; anything unrecognized is skipped.
func parseStatusPayload(body []byte) (jobID string, progress int, payload map[string]any, ok bool) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return "", 0, nil, false
	}

	// some responses wrap the job object
	for _, wrap := range []string{"job", "data", "result"} {
		if inner, isMap := m[wrap].(map[string]any); isMap {
			m = inner
			break
		}
	}

	for _, key := range []string{"id", "jobId", "job_id"} {
		if v, isStr := m[key].(string); isStr && v != "" {
			jobID = v
			break
		}
	}
	if jobID == "" {
		return "", 0, nil, false
	}

	progress = -1
	for _, key := range []string{"progress", "percent", "percentage_complete", "percentComplete"} {
		if v, isNum := m[key].(float64); isNum {
			progress = int(v)
			break
		}
	}
	if status, isStr := m["status"].(string); isStr && (status == "completed" || status == "done") && progress < 0 {
		progress = 100
	}
	if progress < 0 || progress > 100 {
		return "", 0, nil, false
	}
	return jobID, progress, m, true
}
