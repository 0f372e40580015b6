// Package version reports the version of kdb.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version represents the current version of kdb.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// KdbVersion is the current version of kdb.
var KdbVersion = Version{
	Major: "0", Minor: "3", Patch: "0", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	fixBuild(&v)
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

// BuildInfo returns the Go version and the modules kdb was built with.
func BuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return fmt.Sprintf("%s\nnot built in module mode\n", runtime.Version())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n mod\t%s\t%s\n", runtime.Version(), info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		fmt.Fprintf(&sb, " dep\t%s\t%s", dep.Path, dep.Version)
		if dep.Replace != nil {
			fmt.Fprintf(&sb, "\t=> %s\t%s", dep.Replace.Path, dep.Replace.Version)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func fixBuild(v *Version) {
	// Return if v.Build already set, but not if it is Git ident expand file blob hash
	if !strings.HasPrefix(v.Build, "$Id$") {
		return
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			v.Build = setting.Value
			return
		}
	}
}
