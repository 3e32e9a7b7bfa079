//go:build windows

package server

// getPlatformAbsPattern returns an absolute glob for Windows systems
func getPlatformAbsPattern() string {
	return `C:\jobs\*.sh`
}
