package core

import (
	"strconv"
	"strings"

	"pkt.systems/tabjump/schema"
)

// ParseShortcutCommand extracts the tab number from a command id of the form
// prefix followed by a positive decimal integer.
func ParseShortcutCommand(commandID, prefix string) (int, error) {
	rest, ok := strings.CutPrefix(commandID, prefix)
	if !ok || rest == "" || prefix == "" {
		return 0, schema.ErrInvalidCommand
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, schema.ErrInvalidCommand
		}
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0, schema.ErrInvalidCommand
	}
	return n, nil
}
