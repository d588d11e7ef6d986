// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build version for the --version flag.
package version

import "runtime/debug"

// Version is overridden at build time via
// -ldflags "-X github.com/bharat2288/wa-claude-bridge/lib/version.Version=v1.2.3".
var Version = "dev"

// Info returns the version string, falling back to VCS metadata from
// the Go build info when no explicit version was linked in.
func Info() string {
	if Version != "dev" {
		return Version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Version
	}
	var revision, modified string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			if setting.Value == "true" {
				modified = "-dirty"
			}
		}
	}
	if revision == "" {
		return Version
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	return "dev-" + revision + modified
}
