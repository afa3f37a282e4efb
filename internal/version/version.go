// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

package version

import "runtime"

// set at build time via -ldflags
var (
	version   string
	buildTime string
	gitCommit string
)

type Info struct {
	Version   string
	BuildTime string
	GitCommit string

	GoVersion string
	GoOS      string
	GoArch    string
}

func Get() Info {
	return Info{
		Version:   version,
		BuildTime: buildTime,
		GitCommit: gitCommit,

		GoVersion: runtime.Version(),
		GoOS:      runtime.GOOS,
		GoArch:    runtime.GOARCH,
	}
}
