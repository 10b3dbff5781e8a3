package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version represents the current version of stackunwind.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// StackunwindVersion is the current version of stackunwind.
var StackunwindVersion = Version{
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

// BuildInfo describes the toolchain and the modules the binary was built with.
func BuildInfo() string {
	return fmt.Sprintf("%s %s/%s\n%s", runtime.Version(), runtime.GOOS, runtime.GOARCH, moduleBuildInfo())
}

func moduleBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "not built in module mode"
	}

	var b strings.Builder
	fmt.Fprintf(&b, " mod\t%s\t%s\n", info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		if dep.Replace != nil {
			fmt.Fprintf(&b, " dep\t%s\t%s => %s\t%s\n", dep.Path, dep.Version, dep.Replace.Path, dep.Replace.Version)
			continue
		}
		fmt.Fprintf(&b, " dep\t%s\t%s\n", dep.Path, dep.Version)
	}
	for _, setting := range info.Settings {
		if strings.HasPrefix(setting.Key, "vcs.") {
			fmt.Fprintf(&b, " build\t%s=%s\n", setting.Key, setting.Value)
		}
	}
	return b.String()
}

func fixBuild(v *Version) {
	// keep a Build set by the linker
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
