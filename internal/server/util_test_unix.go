//go:build !windows

package server

import "path/filepath"

// getPlatformAbsPattern returns an absolute glob for Unix systems
func getPlatformAbsPattern() string {
	return filepath.Join(string(filepath.Separator), "tmp", "jobs", "*.sh")
}
