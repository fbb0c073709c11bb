// Package actions performs the multi-step UI interaction sequences that create
// generation jobs: animate an existing result, upload an external reference,
// or upload a local file. Sequences are defensive; partial failures are logged
// and the flow proceeds, preferring a best-effort synthesized job over a hard
// abort.
package actions

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/akaiHuang/api-less-creative-automation/app/events"
	"github.com/akaiHuang/api-less-creative-automation/app/monitor"
)

// hard failures, reserved for truly unrecoverable states
var (
	ErrNoSession       = errors.New("no active browser session")
	ErrNotLoggedIn     = errors.New("not logged in")
	ErrControlNotFound = errors.New("expected UI control could not be located")
)

// Control is one locatable UI element on the automation surface
type Control interface {
	Click() error
	Fill(text string) error
}

// FileChooser is a native file-chooser dialog captured during an interaction
type FileChooser interface {
	SetFiles(path string) error
}

// Surface is the page-automation capability the executor depends on. The
// concrete browser engine stays behind this interface; tests use fakes.
type Surface interface {
	LocateByText(pattern string) (Control, bool)
	LocateBySelector(selector string) (Control, bool)
	AwaitFileChooser(trigger func() error, timeout time.Duration) (FileChooser, error)
	PressKey(key string) error
	WaitVisible(selector string, timeout time.Duration) bool
	Evaluate(script string) (interface{}, error)
}

// SurfaceProvider returns the current automation surface, false when no
// session is available. Re-fetched per operation, never cached.
type SurfaceProvider func() (Surface, bool)

// Options tweak a job-creation flow
type Options struct {
	Loop bool `json:"loop,omitempty"` // toggle the loop control before submitting
}

// Labels are the visible control texts the flows look for
type Labels struct {
	Animate    string // action control on an existing result
	AddFrame   string // external-reference flow entry
	Start      string // external-reference flow start affordance
	URLInput   string // selector for the reference URL input
	AddImages  string // local-upload flow entry
	LoopToggle string // optional loop control
}

// DefaultLabels matches the upstream service's current UI texts
func DefaultLabels() Labels {
	return Labels{
		Animate:    "Animate",
		AddFrame:   "Add a frame",
		Start:      "Start",
		URLInput:   "input[type='text'], input[type='url']",
		AddImages:  "Add images",
		LoopToggle: "Loop",
	}
}

// Params configures the executor
type Params struct {
	Surfaces     SurfaceProvider
	LoggedIn     func() bool
	Registry     *monitor.Registry
	Events       *events.Broadcaster
	StartMonitor func() // lazily starts the reconciler tick loop
	Labels       Labels
	SettleDelay  time.Duration // post-interaction settle before id extraction
	UploadWait   time.Duration // upload confirmation wait
	CDNHost      string        // host marking already-generated results
}

// Executor creates jobs by driving the rendered UI
type Executor struct {
	Params
}

// New creates an executor with defaults applied
func New(p Params) *Executor {
	if p.SettleDelay <= 0 {
		p.SettleDelay = 3 * time.Second
	}
	if p.UploadWait <= 0 {
		p.UploadWait = 15 * time.Second
	}
	if p.Labels == (Labels{}) {
		p.Labels = DefaultLabels()
	}
	return &Executor{Params: p}
}

// IsHostCDN reports whether the image URL points at the upstream service's own
// CDN, i.e. an already-generated result that can be animated directly
func (e *Executor) IsHostCDN(imageURL string) bool {
	return e.CDNHost != "" && strings.Contains(imageURL, e.CDNHost)
}

// AnimateExisting locates and clicks the labeled animate control for a result
// already present on the page, then tracks the resulting job
func (e *Executor) AnimateExisting(ctx context.Context) (string, error) {
	surface, err := e.surface()
	if err != nil {
		return "", err
	}

	ctl, ok := surface.LocateByText(e.Labels.Animate)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrControlNotFound, e.Labels.Animate)
	}
	if err := ctl.Click(); err != nil {
		return "", fmt.Errorf("failed to click %q: %w", e.Labels.Animate, err)
	}

	jobID := e.finishFlow(ctx, surface, "")
	return jobID, nil
}

// AnimateFromURL runs the external-reference flow: add frame, start, fill the
// reference URL, submit
func (e *Executor) AnimateFromURL(ctx context.Context, imageURL string, _ Options) (string, error) {
	surface, err := e.surface()
	if err != nil {
		return "", err
	}

	e.clickByText(surface, e.Labels.AddFrame)
	e.clickByText(surface, e.Labels.Start)

	if input, ok := surface.LocateBySelector(e.Labels.URLInput); ok {
		if err := input.Fill(imageURL); err != nil {
			log.Printf("[WARN] failed to fill reference URL: %v", err)
		}
	} else {
		return "", fmt.Errorf("%w: reference URL input", ErrControlNotFound)
	}

	if err := surface.PressKey("Enter"); err != nil {
		log.Printf("[WARN] submit keypress failed: %v", err)
	}

	jobID := e.finishFlow(ctx, surface, "")
	return jobID, nil
}

// UploadAndAnimate runs the local-file flow: open the add-images affordance,
// race the file-chooser await against the triggering click, set the file,
// wait for visual upload confirmation, optionally toggle loop, submit with a
// keyboard confirmation. Escape would abort the queued upload, so submission
// is always Enter.
func (e *Executor) UploadAndAnimate(ctx context.Context, imagePath string, opts Options) (string, error) {
	surface, err := e.surface()
	if err != nil {
		return "", err
	}

	trigger, ok := surface.LocateByText(e.Labels.AddImages)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrControlNotFound, e.Labels.AddImages)
	}

	chooser, err := surface.AwaitFileChooser(trigger.Click, 10*time.Second)
	if err != nil {
		return "", fmt.Errorf("file chooser did not open: %w", err)
	}
	if err := chooser.SetFiles(imagePath); err != nil {
		return "", fmt.Errorf("failed to set file %s: %w", imagePath, err)
	}

	// visual confirmation: uploaded thumbnail or frame label
	if !surface.WaitVisible("img[src^='blob:'], [class*='frame']", e.UploadWait) {
		log.Printf("[WARN] no visual upload confirmation within %v, proceeding anyway", e.UploadWait)
		e.Events.Log("warn", "no visual upload confirmation, proceeding anyway")
	}

	if opts.Loop {
		e.clickByText(surface, e.Labels.LoopToggle)
	}

	if err := surface.PressKey("Enter"); err != nil {
		log.Printf("[WARN] submit keypress failed: %v", err)
	}

	jobID := e.finishFlow(ctx, surface, imagePath)
	return jobID, nil
}

// surface fetches the automation surface and verifies auth
func (e *Executor) surface() (Surface, error) {
	surface, ok := e.Surfaces()
	if !ok {
		return nil, ErrNoSession
	}
	if e.LoggedIn != nil && !e.LoggedIn() {
		return nil, ErrNotLoggedIn
	}
	return surface, nil
}

// clickByText clicks a labeled control if present; sequences proceed on failure
func (e *Executor) clickByText(surface Surface, label string) {
	ctl, ok := surface.LocateByText(label)
	if !ok {
		log.Printf("[WARN] control %q not found, continuing", label)
		return
	}
	if err := ctl.Click(); err != nil {
		log.Printf("[WARN] failed to click %q: %v, continuing", label, err)
	}
}

// finishFlow is the common tail of every creation flow: settle, extract the
// newest job id (or synthesize a placeholder), register and start monitoring.
// Monitoring must always be able to track something, even an unconfirmed job.
func (e *Executor) finishFlow(ctx context.Context, surface Surface, localPath string) string {
	select {
	case <-ctx.Done():
	case <-time.After(e.SettleDelay):
	}

	jobID := e.extractNewestJobID(surface)
	if jobID == "" {
		jobID = PlaceholderID(time.Now())
		log.Printf("[WARN] job id extraction failed, synthesized %s", jobID)
		e.Events.Log("warn", "job id extraction failed, tracking synthesized id "+jobID)
	}

	e.Registry.Create(monitor.Job{ID: jobID, Status: monitor.StatusStarting, LocalPath: localPath})
	if e.StartMonitor != nil {
		e.StartMonitor()
	}
	e.Events.Broadcast(events.Event{Kind: events.KindJobStarted, Data: map[string]any{
		"jobId": jobID, "message": "video generation started",
	}})
	log.Printf("[INFO] job %s registered for monitoring", jobID)
	return jobID
}

// extractJobIDScript returns the newest job id referenced by page anchors
const extractJobIDScript = `() => {
	const anchors = document.querySelectorAll("a[href*='/jobs/']");
	for (const a of anchors) {
		const m = a.href.match(/\/jobs\/([a-zA-Z0-9-]+)/);
		if (m) return m[1];
	}
	return "";
}`

func (e *Executor) extractNewestJobID(surface Surface) string {
	raw, err := surface.Evaluate(extractJobIDScript)
	if err != nil {
		log.Printf("[WARN] job id extraction failed: %v", err)
		return ""
	}
	id, _ := raw.(string)
	return id
}

// placeholderRe matches synthesized placeholder ids
var placeholderRe = regexp.MustCompile(`^job-\d+$`)

// PlaceholderID synthesizes a timestamp-based job id used when extraction fails
func PlaceholderID(now time.Time) string {
	return fmt.Sprintf("job-%d", now.UnixMilli())
}

// IsPlaceholderID reports whether the id was synthesized rather than extracted
func IsPlaceholderID(id string) bool {
	return placeholderRe.MatchString(id)
}
