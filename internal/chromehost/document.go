package chromehost

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"pkt.systems/tabjump/agent"
	"pkt.systems/tabjump/schema"
)

const readyPollInterval = 50 * time.Millisecond

// document is one agent generation's view of a page. It goes stale when the
// page navigates away or a newer generation replaces it.
type document struct {
	s       *session
	gen     schema.Generation
	timeout time.Duration
	stale   atomic.Bool
}

var _ agent.Document = (*document)(nil)

func newDocument(s *session, gen schema.Generation, timeout time.Duration) *document {
	return &document{s: s, gen: gen, timeout: timeout}
}

func (d *document) invalidate() {
	d.stale.Store(true)
}

// Ready polls document.readyState until the page is past loading.
func (d *document) Ready(ctx context.Context) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		var state string
		if err := d.run(ctx, chromedp.Evaluate(`document.readyState`, &state)); err != nil {
			return err
		}
		if state != "" && state != "loading" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *document) Title(ctx context.Context) (string, error) {
	var title string
	if err := d.run(ctx, chromedp.Title(&title)); err != nil {
		return "", err
	}
	return title, nil
}

func (d *document) SetTitle(ctx context.Context, title string) error {
	script, err := setTitleScript(title)
	if err != nil {
		return err
	}
	var out string
	return d.run(ctx, chromedp.Evaluate(script, &out))
}

func (d *document) Attach(l agent.Listener) (func(), error) {
	if d.stale.Load() {
		return nil, schema.ErrContextInvalidated
	}
	return d.s.listen(d.gen, l), nil
}

// run executes actions on the page session, bounded by ctx and the host
// timeout. Failures caused by a gone page report schema.ErrContextInvalidated.
func (d *document) run(ctx context.Context, actions ...chromedp.Action) error {
	if d.stale.Load() || d.s.ctx.Err() != nil {
		return schema.ErrContextInvalidated
	}
	runCtx, cancel := context.WithTimeout(d.s.ctx, d.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if d.stale.Load() || d.s.ctx.Err() != nil || pageGone(err) {
		return fmt.Errorf("%w: %v", schema.ErrContextInvalidated, err)
	}
	return err
}

var goneMarkers = []string{
	"Cannot find context with specified id",
	"Execution context was destroyed",
	"Inspected target navigated or closed",
	"No target with given id",
}

func pageGone(err error) bool {
	msg := err.Error()
	for _, marker := range goneMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
