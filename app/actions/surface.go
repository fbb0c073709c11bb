package actions

import (
	"time"

	"github.com/playwright-community/playwright-go"
)

// pwSurface adapts a playwright page to the Surface capability interface
type pwSurface struct {
	page playwright.Page
}

// NewSurface wraps a playwright page as an automation Surface
func NewSurface(page playwright.Page) Surface {
	return &pwSurface{page: page}
}

func (s *pwSurface) LocateByText(pattern string) (Control, bool) {
	loc := s.page.GetByText(pattern).First()
	count, err := loc.Count()
	if err != nil || count == 0 {
		return nil, false
	}
	return &pwControl{loc: loc}, true
}

func (s *pwSurface) LocateBySelector(selector string) (Control, bool) {
	loc := s.page.Locator(selector).First()
	count, err := loc.Count()
	if err != nil || count == 0 {
		return nil, false
	}
	return &pwControl{loc: loc}, true
}

func (s *pwSurface) AwaitFileChooser(trigger func() error, timeout time.Duration) (FileChooser, error) {
	chooser, err := s.page.ExpectFileChooser(trigger, playwright.PageExpectFileChooserOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return nil, err
	}
	return &pwChooser{chooser: chooser}, nil
}

func (s *pwSurface) PressKey(key string) error {
	return s.page.Keyboard().Press(key)
}

func (s *pwSurface) WaitVisible(selector string, timeout time.Duration) bool {
	err := s.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	return err == nil
}

func (s *pwSurface) Evaluate(script string) (interface{}, error) {
	return s.page.Evaluate(script)
}

type pwControl struct {
	loc playwright.Locator
}

func (c *pwControl) Click() error {
	return c.loc.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(5000)})
}

func (c *pwControl) Fill(text string) error {
	return c.loc.Fill(text, playwright.LocatorFillOptions{Timeout: playwright.Float(5000)})
}

type pwChooser struct {
	chooser playwright.FileChooser
}

func (c *pwChooser) SetFiles(path string) error {
	return c.chooser.SetFiles(path)
}
