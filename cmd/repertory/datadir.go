package main

import (
	"os"
	"path/filepath"
)

// defaultDataDirectory picks the per-user state directory
// (os.UserConfigDir()/repertory), falling back to the relative
// directory "repertory-data" if the platform has none configured.
func defaultDataDirectory() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "repertory-data"
	}
	return filepath.Join(dir, "repertory")
}
