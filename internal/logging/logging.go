// Package logging centralizes the gateway's log-line prefixing: every
// subsystem gets its own prefixed *log.Logger instead of sprinkling
// ad-hoc fmt.Sprintf prefixes through call sites.
package logging

import (
	"log"
	"os"
)

// New returns a *log.Logger that prefixes every line with "[subsystem] ".
// Subsystems typically match a package name: "router", "stream",
// "adapter:grok", "tokens".
func New(subsystem string) *log.Logger {
	return log.New(os.Stderr, "["+subsystem+"] ", log.LstdFlags)
}
