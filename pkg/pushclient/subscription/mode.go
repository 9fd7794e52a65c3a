package subscription

import (
	"strconv"
	"strings"
	"unicode"
)

// Mode is the delivery mode of a subscription.
type Mode string

const (
	Merge    Mode = "MERGE"
	Distinct Mode = "DISTINCT"
	Raw      Mode = "RAW"
	Command  Mode = "COMMAND"
)

// ParseMode accepts a mode name in any case.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", illegalArgument("unknown subscription mode %q", s)
	}
	return m, nil
}

func (m Mode) IsValid() bool {
	switch m {
	case Merge, Distinct, Raw, Command:
		return true
	}
	return false
}

func (m Mode) String() string {
	return string(m)
}

// Commands carried in the command field of COMMAND subscriptions.
const (
	CommandAdd    = "ADD"
	CommandUpdate = "UPDATE"
	CommandDelete = "DELETE"
)

// Field names required in the field list of a COMMAND subscription.
const (
	KeyField     = "key"
	CommandField = "command"
)

// Sentinel values accepted by the requested snapshot, buffer size and
// frequency settings.
const (
	SnapshotYes = "yes"
	SnapshotNo  = "no"
	Unlimited   = "unlimited"
	Unfiltered  = "unfiltered"
)

// ValidItemName reports whether name can address an item: non-empty, with no
// whitespace, and not purely numeric.
func ValidItemName(name string) bool {
	if name == "" {
		return false
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return false
	}
	if _, err := strconv.Atoi(name); err == nil {
		return false
	}
	return true
}

// ValidFieldName reports whether name can address a field.
func ValidFieldName(name string) bool {
	return name != "" && strings.IndexFunc(name, unicode.IsSpace) < 0
}
