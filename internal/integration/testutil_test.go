package integration_test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
)

func requireLong(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

var chromeBinaries = []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"}

// requireChrome returns a browser binary or skips the test.
func requireChrome(t *testing.T) string {
	t.Helper()
	for _, name := range chromeBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	t.Skip("no chrome binary on PATH")
	return ""
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

// newPageServer serves one page per title at /<index>.
func newPageServer(t *testing.T, titles ...string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for i, title := range titles {
		body := fmt.Sprintf("<!doctype html><html><head><title>%s</title></head><body>%s</body></html>", title, title)
		mux.HandleFunc("/"+strconv.Itoa(i), func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(body))
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// launchBrowser starts a headless browser listening for DevTools on port and
// opens one tab per URL. The returned contexts drive those tabs.
func launchBrowser(t *testing.T, execPath string, port int, urls ...string) []context.Context {
	t.Helper()
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(execPath),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("remote-debugging-port", strconv.Itoa(port)),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	t.Cleanup(cancelAlloc)

	first, cancel := chromedp.NewContext(allocCtx)
	t.Cleanup(cancel)
	tabs := make([]context.Context, 0, len(urls))
	for i, url := range urls {
		tab := first
		if i > 0 {
			tab, cancel = chromedp.NewContext(first)
			t.Cleanup(cancel)
		}
		if err := chromedp.Run(tab, chromedp.Navigate(url)); err != nil {
			t.Fatalf("open %s: %v", url, err)
		}
		tabs = append(tabs, tab)
	}
	return tabs
}

func tabTitle(t *testing.T, tab context.Context) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(tab, 5*time.Second)
	defer cancel()
	var title string
	if err := chromedp.Run(ctx, chromedp.Title(&title)); err != nil {
		t.Fatalf("read title: %v", err)
	}
	return title
}

func dispatchKey(t *testing.T, tab context.Context, kind, key string, meta bool) {
	t.Helper()
	script := fmt.Sprintf(`document.dispatchEvent(new KeyboardEvent(%q, {key: %q, metaKey: %t, bubbles: true, cancelable: true}))`, kind, key, meta)
	var ignored bool
	if err := chromedp.Run(tab, chromedp.Evaluate(script, &ignored)); err != nil {
		t.Fatalf("dispatch %s %s: %v", kind, key, err)
	}
}

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// overlayNumber parses the "[n] " prefix of a decorated title.
func overlayNumber(title string) (int, bool) {
	if !strings.HasPrefix(title, "[") {
		return 0, false
	}
	end := strings.Index(title, "] ")
	if end < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(title[1:end])
	return n, err == nil
}
