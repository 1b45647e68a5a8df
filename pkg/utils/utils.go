// Package utils provides shared utility functions for gpu-tnr-client.
package utils

import (
	"fmt"
	"strings"
)

// SanitizeName replaces characters that are unsafe for CDI names and
// segment file names (colons, slashes, dots) with hyphens.
func SanitizeName(s string) string {
	r := strings.NewReplacer(
		":", "-",
		"/", "-",
		".", "-",
	)
	return r.Replace(s)
}

// FormatBytes renders n with a binary unit suffix (e.g. "3.0 MiB").
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
