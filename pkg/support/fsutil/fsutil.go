// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 || dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, '/')
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return path.Join(usr.HomeDir, dir[1+len(userName):]), nil
}

// ReadFile reads the whole file after expanding a leading "~".
func ReadFile(filePath string) ([]byte, error) {
	filePath, err := ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", filePath)
	}
	return contents, nil
}

// MakeWorkDir returns an absolute work directory.
//
// If dir is empty a new temporary directory is created using pattern (see os.MkdirTemp), and temporary is true:
// the caller owns it and is expected to remove it when done.
// Otherwise dir (with "~" expanded) is created if missing and returned as is.
func MakeWorkDir(dir, pattern string) (workDir string, temporary bool, err error) {
	if dir == "" {
		workDir, err = os.MkdirTemp("", pattern)
		if err != nil {
			return "", false, errors.Wrapf(err, "failed to create temporary work directory")
		}
		return workDir, true, nil
	}
	dir, err = ReplaceTildeInDir(dir)
	if err != nil {
		return "", false, err
	}
	exists, err := FileExists(dir)
	if err != nil {
		return "", false, err
	}
	if !exists {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return "", false, errors.Wrapf(err, "failed to create work directory %q", dir)
		}
		klog.Infof("created work directory %q", dir)
	}
	workDir, err = filepath.Abs(dir)
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to resolve work directory %q", dir)
	}
	return workDir, false, nil
}
