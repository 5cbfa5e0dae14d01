// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"os"
	"path/filepath"
	"strings"
)

// GetOMDataDir returns the directory the engine uses for its default
// on-disk state (the reference sqlitestore database, in particular).
//
// Priority:
// 1. OM_DATA_DIR environment variable (if set and non-empty)
// 2. ~/.om (default)
//
// The returned path is absolute unless the home directory cannot be
// determined (the default is then the relative ".om", and a leading ~/ is
// left unexpanded) or filepath.Abs fails (the value is returned as given).
// Tilde (~) in OM_DATA_DIR is expanded to the user's home directory.
// Relative paths in OM_DATA_DIR are converted to absolute paths.
//
// Examples:
//
//	OM_DATA_DIR=/custom/om        -> /custom/om
//	OM_DATA_DIR=~/my-om           -> /home/user/my-om
//	OM_DATA_DIR=relative/path     -> /current/dir/relative/path
//	OM_DATA_DIR not set           -> /home/user/.om
//
// Note: this function reads directly from os.Getenv(), not from a parsed
// config, to avoid a circular dependency during config bootstrap.
func GetOMDataDir() string {
	if dataDir := os.Getenv("OM_DATA_DIR"); dataDir != "" {
		return expandPath(dataDir)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".om"
	}
	return filepath.Join(homeDir, ".om")
}

// GetOMSubDir returns a subdirectory within the engine's data directory.
// Example: GetOMSubDir("records") returns ~/.om/records
func GetOMSubDir(subdir string) string {
	return filepath.Join(GetOMDataDir(), subdir)
}

// expandPath expands ~ and resolves to absolute path
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path // Return as-is if we can't get home dir
		}
		return filepath.Join(homeDir, path[2:])
	}

	// Make path absolute
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path // Return as-is if we can't make it absolute
	}
	return absPath
}
