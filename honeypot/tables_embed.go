package honeypot

import (
	_ "embed"
	"sync"
)

//go:embed data/honeypot_ips.json
var embeddedIPs []byte

//go:embed data/service_patterns.json
var embeddedCombos []byte

//go:embed data/os_fingerprints.json
var embeddedOS []byte

var (
	defaultTables     *Tables
	defaultTablesOnce sync.Once
	defaultTablesErr  error
)

// DefaultTables returns the tables built from the embedded community data.
// The build runs once; the result is shared and read-only.
func DefaultTables() (*Tables, error) {
	defaultTablesOnce.Do(func() {
		defaultTables, defaultTablesErr = ParseTables(embeddedIPs, embeddedCombos, embeddedOS)
	})
	return defaultTables, defaultTablesErr
}
