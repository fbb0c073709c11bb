// Package session owns the single browser automation handle. Two acquisition
// strategies: attach to an externally running browser over the CDP debugging
// endpoint, or launch a private persistent-profile instance. At most one page
// is monitored at a time; every consumer re-validates the handle per use.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/playwright-community/playwright-go"
)

// acquisition errors
var (
	ErrNoSession    = errors.New("no active browser session")
	ErrNotLoggedIn  = errors.New("not logged in to the target service")
	ErrAttachFailed = errors.New("no reachable browser instance")
)

// AttachHint is returned alongside ErrAttachFailed so callers can surface a
// remediation path to the user
const AttachHint = "start the browser with --remote-debugging-port=9222 and retry"

// Mode selects the acquisition strategy
type Mode string

// acquisition modes
const (
	ModeAuto       Mode = "auto"
	ModeAttach     Mode = "attach"
	ModeStandalone Mode = "standalone"
)

// ParseMode validates a mode string, empty defaults to auto
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeAttach:
		return ModeAttach, nil
	case ModeStandalone:
		return ModeStandalone, nil
	}
	return "", fmt.Errorf("invalid mode %q", s)
}

// State is a snapshot of the session singleton
type State struct {
	HasBrowser bool   `json:"hasBrowser"`
	HasPage    bool   `json:"hasPage"`
	IsLoggedIn bool   `json:"isLoggedIn"`
	Mode       string `json:"connectionMode,omitempty"`
}

// Params configures the manager
type Params struct {
	TargetURL   string        // generation page to navigate to
	TargetHost  string        // host matched when picking an attached page
	CDPEndpoint string        // debugging endpoint for attach mode
	ProfileDir  string        // persistent profile dir for standalone mode
	UserAgent   string        // realistic UA for standalone launches
	Headless    bool          // standalone launch headless
	SettleDelay time.Duration // post-navigation settle, default 3s

	// StatusURLPattern marks network responses carrying structured job
	// progress; matching payloads go to OnJobUpdate (fast path, standalone only)
	StatusURLPattern string
	OnJobUpdate      func(jobID string, progress int, payload map[string]any)
}

// Manager guarantees exactly one addressable automation session
type Manager struct {
	Params

	mu       sync.Mutex
	pw       *playwright.Playwright
	browser  playwright.Browser        // attach mode handle
	pctx     playwright.BrowserContext // standalone persistent context
	page     playwright.Page
	mode     Mode
	loggedIn bool
}

// NewManager creates a session manager with defaults applied
func NewManager(p Params) *Manager {
	if p.SettleDelay <= 0 {
		p.SettleDelay = 3 * time.Second
	}
	if p.CDPEndpoint == "" {
		p.CDPEndpoint = "http://127.0.0.1:9222"
	}
	if p.UserAgent == "" {
		p.UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	return &Manager{Params: p}
}

// Acquire establishes the session in the requested mode. Auto tries attach
// first and falls back to standalone; explicit attach surfaces the error.
func (m *Manager) Acquire(ctx context.Context, mode Mode) (Mode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch mode {
	case ModeAttach:
		if err := m.attach(ctx); err != nil {
			return "", fmt.Errorf("%w: %s", err, AttachHint)
		}
		return ModeAttach, nil
	case ModeStandalone:
		if err := m.standalone(ctx); err != nil {
			return "", err
		}
		return ModeStandalone, nil
	case ModeAuto, "":
		attachErr := m.attach(ctx)
		if attachErr == nil {
			return ModeAttach, nil
		}
		log.Printf("[WARN] attach failed, falling back to standalone: %v", attachErr)
		if err := m.standalone(ctx); err != nil {
			return "", err
		}
		return ModeStandalone, nil
	}
	return "", fmt.Errorf("invalid mode %q", mode)
}

// attach connects to an already-running browser over CDP and adopts the page
// whose URL matches the target host, else the first page, else a new page
func (m *Manager) attach(_ context.Context) error {
	if err := m.ensurePlaywright(); err != nil {
		return err
	}

	browser, err := m.pw.Chromium.ConnectOverCDP(m.CDPEndpoint)
	if err != nil {
		return fmt.Errorf("%w at %s: %v", ErrAttachFailed, m.CDPEndpoint, err)
	}

	contexts := browser.Contexts()
	if len(contexts) == 0 {
		_ = browser.Close()
		return fmt.Errorf("%w: connected but no browsing context available", ErrAttachFailed)
	}

	var page playwright.Page
	pages := contexts[0].Pages()
	for _, p := range pages {
		if m.TargetHost != "" && strings.Contains(p.URL(), m.TargetHost) {
			page = p
			break
		}
	}
	if page == nil && len(pages) > 0 {
		page = pages[0]
	}
	if page == nil {
		page, err = contexts[0].NewPage()
		if err != nil {
			_ = browser.Close()
			return fmt.Errorf("%w: failed to open page: %v", ErrAttachFailed, err)
		}
	}

	m.browser = browser
	m.pctx = nil
	m.page = page
	m.mode = ModeAttach
	m.loggedIn = loggedInFromURL(page.URL())
	log.Printf("[INFO] attached to browser at %s, page %s", m.CDPEndpoint, page.URL())
	return nil
}

// standalone launches (or reuses) a private persistent-profile browser.
// The page is recreated if the existing handle went stale.
func (m *Manager) standalone(_ context.Context) error {
	if err := m.ensurePlaywright(); err != nil {
		return err
	}

	if m.pctx != nil {
		if m.pageUsable() {
			log.Printf("[DEBUG] reusing existing standalone session")
			return nil
		}
		page, err := m.pctx.NewPage()
		if err == nil {
			m.adoptPage(page)
			log.Printf("[INFO] recreated page in existing standalone session")
			return nil
		}
		log.Printf("[WARN] existing browser unusable, relaunching: %v", err)
		_ = m.pctx.Close()
		m.pctx = nil
	}

	if err := os.MkdirAll(m.ProfileDir, 0o700); err != nil {
		return fmt.Errorf("failed to create profile dir %s: %w", m.ProfileDir, err)
	}

	pctx, err := m.pw.Chromium.LaunchPersistentContext(m.ProfileDir, playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless:  playwright.Bool(m.Headless),
		Viewport:  &playwright.Size{Width: 1440, Height: 900},
		UserAgent: playwright.String(m.UserAgent),
	})
	if err != nil {
		return fmt.Errorf("failed to launch standalone browser: %w", err)
	}

	var page playwright.Page
	if pages := pctx.Pages(); len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = pctx.NewPage()
		if err != nil {
			_ = pctx.Close()
			return fmt.Errorf("failed to open page: %w", err)
		}
	}

	m.browser = nil
	m.pctx = pctx
	m.mode = ModeStandalone
	m.adoptPage(page)
	log.Printf("[INFO] standalone browser launched, profile %s", m.ProfileDir)
	return nil
}

// adoptPage sets the active page and installs the network fast-path listener
func (m *Manager) adoptPage(page playwright.Page) {
	m.page = page
	if m.StatusURLPattern == "" || m.OnJobUpdate == nil {
		return
	}
	page.OnResponse(func(resp playwright.Response) {
		if !strings.Contains(resp.URL(), m.StatusURLPattern) {
			return
		}
		body, err := resp.Body()
		if err != nil {
			return
		}
		if jobID, progress, payload, ok := parseStatusPayload(body); ok {
			m.OnJobUpdate(jobID, progress, payload)
		}
	})
}

// pageUsable probes a trivial page operation, catching any stale-handle failure
func (m *Manager) pageUsable() bool {
	if m.page == nil || m.page.IsClosed() {
		return false
	}
	if _, err := m.page.Evaluate("1 + 1"); err != nil {
		log.Printf("[DEBUG] page probe failed: %v", err)
		return false
	}
	return true
}

func (m *Manager) ensurePlaywright() error {
	if m.pw != nil {
		return nil
	}
	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("failed to start playwright driver: %w", err)
	}
	m.pw = pw
	return nil
}

// Navigate loads the generation page, waits the settle delay and derives the
// login state from the resulting URL
func (m *Manager) Navigate(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.page == nil {
		return false, ErrNoSession
	}

	if _, err := m.page.Goto(m.TargetURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(60000),
	}); err != nil {
		return false, fmt.Errorf("navigation to %s failed: %w", m.TargetURL, err)
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(m.SettleDelay):
	}

	m.loggedIn = loggedInFromURL(m.page.URL())
	log.Printf("[INFO] navigated to %s, loggedIn=%v", m.page.URL(), m.loggedIn)
	return m.loggedIn, nil
}

// CheckLoginStatus re-derives the login flag from the current URL without navigating
func (m *Manager) CheckLoginStatus() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.page == nil {
		return false, ErrNoSession
	}
	m.loggedIn = loggedInFromURL(m.page.URL())
	return m.loggedIn, nil
}

// ActivePage returns the current page handle. Callers must not cache it across
// suspension points; re-fetch and let false mean "skip this tick".
func (m *Manager) ActivePage() (playwright.Page, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.page == nil || m.page.IsClosed() {
		return nil, false
	}
	return m.page, true
}

// Status returns a snapshot of session state
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return State{
		HasBrowser: m.browser != nil || m.pctx != nil,
		HasPage:    m.page != nil && !m.page.IsClosed(),
		IsLoggedIn: m.loggedIn,
		Mode:       string(m.mode),
	}
}

// Close tears the session down. In attach mode the external browser itself
// stays alive; only our connection is dropped.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.pctx != nil {
		if err := m.pctx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser context: %w", err))
		}
		m.pctx = nil
	}
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser connection: %w", err))
		}
		m.browser = nil
	}
	m.page = nil
	m.mode = ""
	m.loggedIn = false
	return errors.Join(errs...)
}

// loggedInFromURL reports login state from the absence of an
// authentication-redirect path segment
func loggedInFromURL(url string) bool {
	if url == "" {
		return false
	}
	lower := strings.ToLower(url)
	for _, marker := range []string{"/login", "/signin", "/sign-in", "/auth/"} {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}
