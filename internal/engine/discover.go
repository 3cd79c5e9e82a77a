package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// executableVariants returns candidate executable names for an edition, most
// capable first. Stata installs do not always match the licensed edition, so
// every variant is probed.
func executableVariants(edition string) []string {
	switch strings.ToLower(edition) {
	case "se":
		return []string{"stata-se", "stata-mp", "stata"}
	case "be":
		return []string{"stata", "stata-se", "stata-mp"}
	default:
		return []string{"stata-mp", "stata-se", "stata"}
	}
}

// FindExecutable resolves the console executable under a Stata install root.
func FindExecutable(installPath, edition string) (string, error) {
	if installPath == "" {
		return "", fmt.Errorf("engine install path not configured")
	}

	switch runtime.GOOS {
	case "windows":
		for _, name := range []string{"StataMP-64.exe", "StataMP.exe", "StataSE-64.exe", "StataSE.exe", "Stata-64.exe", "Stata.exe"} {
			p := filepath.Join(installPath, name)
			if fileExists(p) {
				return p, nil
			}
		}
	case "darwin":
		// App-bundle layouts: either the bundle itself or a directory of
		// bundles like /Applications/Stata.
		variants := []string{"StataMP", "StataSE", "Stata"}
		if strings.HasSuffix(installPath, ".app") {
			for _, v := range variants {
				p := filepath.Join(installPath, "Contents", "MacOS", v)
				if fileExists(p) {
					return p, nil
				}
			}
		}
		for _, v := range variants {
			p := filepath.Join(installPath, v+".app", "Contents", "MacOS", v)
			if fileExists(p) {
				return p, nil
			}
			p = filepath.Join(installPath, v)
			if fileExists(p) {
				return p, nil
			}
		}
	default:
		for _, v := range executableVariants(edition) {
			p := filepath.Join(installPath, v)
			if fileExists(p) {
				return p, nil
			}
		}
	}

	return "", fmt.Errorf("no Stata executable found under %s", installPath)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
