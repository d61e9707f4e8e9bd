// Package signature detects the xHCI "waiting for error on ep to be cleared"
// failure for a single PCI bus in kernel log messages.
package signature

import (
	"fmt"
	"regexp"
)

const (
	// DriverName is the kernel driver that emits the failure.
	DriverName = "xhci_hcd"

	// FailurePhrase is the fixed tail of the failure message.
	FailurePhrase = "WARN waiting for error on ep to be cleared"
)

// Matcher tests log messages against the failure signature of one bus.
//
// The pattern is compiled once in New and never modified, so a Matcher is
// safe for concurrent use.
type Matcher struct {
	busID    string
	compiled *regexp.Regexp
}

// New compiles the failure signature for busID. Regex metacharacters in the
// bus id, notably the '.' before the PCI function number, are matched
// literally.
func New(busID string) (*Matcher, error) {
	if busID == "" {
		return nil, fmt.Errorf("bus id cannot be empty")
	}

	pattern := Pattern(busID)
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to compile failure signature %q: %w", pattern, err)
	}

	return &Matcher{
		busID:    busID,
		compiled: compiled,
	}, nil
}

// Pattern returns the regular expression source for busID.
func Pattern(busID string) string {
	return fmt.Sprintf("%s %s: %s", DriverName, regexp.QuoteMeta(busID), regexp.QuoteMeta(FailurePhrase))
}

// IsFailure reports whether message contains the failure signature.
// The match is unanchored.
func (m *Matcher) IsFailure(message string) bool {
	return m.compiled.MatchString(message)
}

// BusID returns the bus the matcher was built for.
func (m *Matcher) BusID() string {
	return m.busID
}

// String returns the compiled pattern.
func (m *Matcher) String() string {
	return m.compiled.String()
}
