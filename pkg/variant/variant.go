// Package variant maps the variant names accepted on the command line to the
// (OS, ABI) pairs used for remote filenames and local subdirectories.
package variant

import (
	"fmt"
	"sort"
)

// Pair is the OS/ABI combination behind a variant name. ABI is empty for
// platforms that ship a single universal artifact (macos, ios).
type Pair struct {
	OS  string
	ABI string
}

var catalog = map[string]Pair{
	"android-x86_64":      {OS: "android", ABI: "x86_64"},
	"android-x86":         {OS: "android", ABI: "x86"},
	"android-armeabi-v7a": {OS: "android", ABI: "armeabi-v7a"},
	"android-arm64-v8a":   {OS: "android", ABI: "arm64-v8a"},
	"centos6":             {OS: "centos6", ABI: "x86_64"},
	"linux":               {OS: "linux", ABI: "x86_64"},
	"macosx":              {OS: "macos", ABI: ""},
	"ios":                 {OS: "ios", ABI: ""},
	"ios/net":             {OS: "ios", ABI: ""},
	"windows-win64":       {OS: "windows", ABI: "x86_64"},
	"windows-arm64":       {OS: "windows", ABI: "arm64"},
}

// Group aliases expand to the concrete variants a product flavor needs.
var groups = map[string][]string{
	"android": {"android-x86_64", "android-x86", "android-armeabi-v7a", "android-arm64-v8a"},
	"java":    {"linux", "macosx", "windows-win64"},
	"macos":   {"macosx"},
	"windows": {"windows-win64", "windows-arm64"},
	"dotnet": {
		"linux",
		"android-x86_64", "android-x86", "android-armeabi-v7a", "android-arm64-v8a",
		"macosx", "ios/net",
		"windows-win64", "windows-arm64",
	},
}

// Lookup returns the (OS, ABI) pair for a concrete variant name.
func Lookup(name string) (Pair, error) {
	p, ok := catalog[name]
	if !ok {
		return Pair{}, fmt.Errorf("unknown variant %q (valid: %v)", name, Names())
	}
	return p, nil
}

// Expand resolves group aliases and deduplicates, preserving request order.
// Members of a group are appended in the group's declared order. Unknown
// names, concrete or alias, fail the whole expansion.
func Expand(names []string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	for _, name := range names {
		if members, ok := groups[name]; ok {
			for _, m := range members {
				add(m)
			}
			continue
		}
		if _, err := Lookup(name); err != nil {
			return nil, err
		}
		add(name)
	}
	return out, nil
}

// Names lists all concrete variant names, sorted.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GroupNames lists the accepted group aliases, sorted.
func GroupNames() []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
