package kvcollectionsx

import "runtime/debug"

var buildVersion = moduleVersion("github.com/couchbase/kvcollectionsx")

// moduleVersion finds the version of a module in the running binary's build
// info, whether it is the main module or a dependency.
func moduleVersion(path string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	if info.Main.Path == path {
		return info.Main.Version
	}
	for _, dep := range info.Deps {
		if dep.Path == path {
			if dep.Replace != nil {
				return dep.Replace.Version
			}
			return dep.Version
		}
	}
	return "unknown"
}
