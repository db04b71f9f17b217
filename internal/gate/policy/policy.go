// Package policy embeds the gate's operation and signature catalogue.
package policy

import (
	_ "embed"
)

// Patterns is the raw patterns.yaml catalogue.
//
//go:embed patterns.yaml
var Patterns []byte
