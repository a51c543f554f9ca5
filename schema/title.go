package schema

import (
	"regexp"
	"strconv"
)

var overlayPrefix = regexp.MustCompile(`^\[\d+\]\s*`)

// CleanTitle strips every leading "[n] " overlay prefix from title.
func CleanTitle(title string) string {
	for {
		loc := overlayPrefix.FindStringIndex(title)
		if loc == nil {
			return title
		}
		title = title[loc[1]:]
	}
}

// DecorateTitle renders the overlay title for tab number n.
func DecorateTitle(n int, base string) string {
	return "[" + strconv.Itoa(n) + "] " + base
}
