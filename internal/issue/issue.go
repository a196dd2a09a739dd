// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/glamour"
)

const (
	// ConfigLoadFailedId is reported when config.cue cannot be loaded.
	ConfigLoadFailedId Id = iota + 1
	// ArchiveInvalidId is reported for archives that fail to import.
	ArchiveInvalidId
	// ModuleNotFoundId is reported when a named package is not in the graph.
	ModuleNotFoundId
	// MissingDependencyId is reported when a required dependency is absent.
	MissingDependencyId
	// KindMismatchId is reported when overlays and regular modules depend
	// on each other.
	KindMismatchId
	// StartFailedId is reported when module code fails to start.
	StartFailedId
	// CacheFailedId is reported when a cache directory cannot be prepared.
	CacheFailedId
	// InvalidLoadFilterId is reported when load_filter does not compile.
	InvalidLoadFilterId
	// NativeLibraryId is reported when no native library matches the host.
	NativeLibraryId
)

type (
	// Id identifies a catalog entry.
	Id int

	// MarkdownMsg is the Markdown body of an Issue.
	MarkdownMsg string

	// HttpLink is a documentation link.
	HttpLink string

	// Issue is user guidance for one class of failure.
	Issue struct {
		id       Id
		mdMsg    MarkdownMsg
		docLinks []HttpLink
	}
)

var (
	render = glamour.Render

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# The configuration could not be loaded

plugkit reads ` + "`config.cue`" + ` from its configuration directory, or the
file passed with ` + "`--config`" + `, and validates it against the built-in schema.

## Things you can try
- Print the effective configuration:
~~~
$ plugkit config show
~~~
- Check the CUE syntax and the field names (` + "`search_dirs`" + `, ` + "`cache_dir`" + `, ...).
- Remove the file to fall back to the defaults.`,
	}

	archiveInvalidIssue = &Issue{
		id: ArchiveInvalidId,
		mdMsg: `
# A module archive could not be imported

Every ` + "`*.plugin`" + ` archive needs a ` + "`manifest.cue`" + ` with an ` + "`id`" + ` field naming the package, and
an optional ` + "`resources.cue`" + ` table.

## Minimal manifest
~~~cue
id: "com.example.theme"
plugin: {
	name:     "Example theme"
	overlays: ["com.example.app"]
}
~~~

## Things you can try
- List what was imported and what failed:
~~~
$ plugkit list
~~~`,
	}

	moduleNotFoundIssue = &Issue{
		id: ModuleNotFoundId,
		mdMsg: `
# No such module

The package is not provided by any search directory, the bundle or the host.

## Things you can try
- List the known packages with ` + "`plugkit list`" + `.
- Check ` + "`search_dirs`" + ` in your configuration.`,
	}

	missingDependencyIssue = &Issue{
		id: MissingDependencyId,
		mdMsg: `
# A required dependency is missing

A module names a dependency that no archive provides. Prefix the dependency
with ` + "`?`" + ` in the manifest to make it optional.

~~~cue
plugin: depends: ["?com.example.optional"]
~~~`,
	}

	kindMismatchIssue = &Issue{
		id: KindMismatchId,
		mdMsg: `
# Overlay and regular modules cannot depend on each other

An overlay module may only depend on other overlays, and a regular module
only on regular modules. Split the shared part into a module of the right kind.`,
	}

	startFailedIssue = &Issue{
		id: StartFailedId,
		mdMsg: `
# A module failed to start

The entry class could not be found, could not be created, faulted, or
returned a non-zero result. Modules depending on it fail as well.

## Things you can try
- Run with ` + "`--verbose`" + ` to see the error chain.
- Check the ` + "`entryClass`" + ` of the manifest against the ` + "`code/`" + ` directory.`,
	}

	cacheFailedIssue = &Issue{
		id: CacheFailedId,
		mdMsg: `
# The module cache could not be prepared

plugkit keeps extracted code, native libraries, properties and id tables in
the cache directory, guarded by a ` + "`lock`" + ` file.

## Things you can try
- Check that ` + "`cache_dir`" + ` is writable.
- Make sure no stale process holds the lock.`,
	}

	invalidLoadFilterIssue = &Issue{
		id: InvalidLoadFilterId,
		mdMsg: `
# The load filter is not a valid expression

` + "`load_filter`" + ` is an expr expression evaluating to a boolean over
` + "`package`, `name`, `version`, `templates`, `depends`, `overlay`, `plain`" + ` and ` + "`host`" + `.

~~~cue
load_filter: "!overlay || package startsWith \"com.example.\""
~~~`,
	}

	nativeLibraryIssue = &Issue{
		id: NativeLibraryId,
		mdMsg: `
# No native library matches this host

The archive ships ` + "`lib/<abi>/`" + ` directories, but none of them is in the
configured ` + "`abis`" + ` list.`,
	}

	issues = map[Id]*Issue{
		configLoadFailedIssue.Id():  configLoadFailedIssue,
		archiveInvalidIssue.Id():    archiveInvalidIssue,
		moduleNotFoundIssue.Id():    moduleNotFoundIssue,
		missingDependencyIssue.Id(): missingDependencyIssue,
		kindMismatchIssue.Id():      kindMismatchIssue,
		startFailedIssue.Id():       startFailedIssue,
		cacheFailedIssue.Id():       cacheFailedIssue,
		invalidLoadFilterIssue.Id(): invalidLoadFilterIssue,
		nativeLibraryIssue.Id():     nativeLibraryIssue,
	}
)

// Id returns the catalog id.
func (i *Issue) Id() Id { return i.id }

// MarkdownMsg returns the Markdown body.
func (i *Issue) MarkdownMsg() MarkdownMsg { return i.mdMsg }

// DocLinks returns the documentation links.
func (i *Issue) DocLinks() []HttpLink { return slices.Clone(i.docLinks) }

// Render renders the issue for the terminal with the named glamour style.
func (i *Issue) Render(stylePath string) (string, error) {
	var md strings.Builder
	md.WriteString(string(i.mdMsg))
	if len(i.docLinks) > 0 {
		md.WriteString("\n\n## See also\n")
		for _, link := range i.docLinks {
			md.WriteString("- <" + string(link) + ">\n")
		}
	}
	return render(md.String(), stylePath)
}

// Values returns every catalog entry ordered by id.
func Values() []*Issue {
	out := slices.Collect(maps.Values(issues))
	slices.SortFunc(out, func(a, b *Issue) int { return int(a.id - b.id) })
	return out
}

// Get returns the entry for id, or nil.
func Get(id Id) *Issue {
	return issues[id]
}
