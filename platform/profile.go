// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package platform selects the enumeration-normalization profile for the
// running Android version and architecture. The per-version quirks of the
// module-iteration primitive are modeled as a small closed set of named
// profile variants chosen once at process start, so version checks do not
// leak into the enumeration hot path.
package platform // import "github.com/suqiernb/xdl-go/platform"

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// Profile describes how module enumeration must be normalized for one
// Android API level band and process bitness.
type Profile struct {
	// Name identifies the variant for diagnostics.
	Name string

	// APILevel is the detected Android API level, 0 outside Android.
	APILevel int

	// Bits is the process pointer width: 32 or 64.
	Bits int

	// AppProcessName is the true main-image executable name that must be
	// reported instead of the application package name. Empty outside
	// Android.
	AppProcessName string

	// LinkerBasename is the dynamic loader image name (linker/linker64).
	LinkerBasename string

	// SystemLibDirs are the system library search directories used for the
	// locator's fully-qualified-path retry, in search order.
	SystemLibDirs []string

	// UseMapsFallback records that the phdr-iteration primitive may omit
	// segments entirely on this platform (32-bit ARM before API 21).
	// Enumeration reconstructs modules from memory-map records on every
	// platform, so the flag is diagnostic rather than a behavior switch.
	UseMapsFallback bool

	// IncludeLinker is set when the primitive excludes the loader's own
	// image (API <= 27) and the enumerator must add it explicitly.
	IncludeLinker bool

	// ResolveBasenames is set when the primitive reports bare filenames
	// (API 21/22) that must be resolved to canonical full paths.
	ResolveBasenames bool
}

// bits returns the pointer width of the running process.
func bits() int {
	switch runtime.GOARCH {
	case "arm", "386":
		return 32
	default:
		return 64
	}
}

func systemLibDirs(b int) []string {
	if b == 64 {
		return []string{
			"/apex/com.android.runtime/lib64/bionic",
			"/system/lib64",
			"/vendor/lib64",
			"/odm/lib64",
		}
	}
	return []string{
		"/apex/com.android.runtime/lib/bionic",
		"/system/lib",
		"/vendor/lib",
		"/odm/lib",
	}
}

// Select returns the profile variant for the given API level and bitness.
// It is a pure function so the per-version behavior is directly testable.
func Select(apiLevel, b int) *Profile {
	p := &Profile{
		APILevel:       apiLevel,
		Bits:           b,
		SystemLibDirs:  systemLibDirs(b),
		LinkerBasename: "linker64",
		AppProcessName: "app_process64",
	}
	if b == 32 {
		p.LinkerBasename = "linker"
		p.AppProcessName = "app_process32"
	}

	switch {
	case apiLevel == 0:
		// Not Android: plain Linux. Nothing to normalize, no fixed system
		// library layout to search.
		p.Name = "host"
		p.SystemLibDirs = nil
		p.AppProcessName = ""
		p.LinkerBasename = ""
	case apiLevel < 21 && runtime.GOARCH == "arm":
		p.Name = "legacy-arm32"
		p.UseMapsFallback = true
		p.IncludeLinker = true
	case apiLevel <= 22:
		p.Name = "lollipop"
		p.IncludeLinker = true
		p.ResolveBasenames = true
	case apiLevel <= 27:
		p.Name = "legacy"
		p.IncludeLinker = true
	default:
		p.Name = "modern"
	}
	return p
}

// apiLevel determines the Android API level of the running system. Outside
// Android this returns 0. The ANDROID_API_LEVEL environment variable
// overrides detection.
func apiLevel() int {
	if env := os.Getenv("ANDROID_API_LEVEL"); env != "" {
		if lvl, err := strconv.Atoi(env); err == nil {
			return lvl
		}
	}
	for _, propFile := range []string{"/system/build.prop"} {
		if lvl := sdkFromPropFile(propFile); lvl != 0 {
			return lvl
		}
	}
	return 0
}

// sdkFromPropFile extracts ro.build.version.sdk from an Android property file.
func sdkFromPropFile(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if val, ok := strings.CutPrefix(line, "ro.build.version.sdk="); ok {
			if lvl, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				return lvl
			}
		}
	}
	return 0
}

// Current returns the profile for the running process, selected exactly once.
var Current = sync.OnceValue(func() *Profile {
	return Select(apiLevel(), bits())
})
