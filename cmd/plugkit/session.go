// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/plugkit/plugkit/internal/config"
	"github.com/plugkit/plugkit/internal/filestore"
	"github.com/plugkit/plugkit/internal/graph"
	"github.com/plugkit/plugkit/internal/issue"
	"github.com/plugkit/plugkit/internal/loader"
	"github.com/plugkit/plugkit/internal/loadfilter"
	"github.com/plugkit/plugkit/pkg/module"
	"github.com/plugkit/plugkit/pkg/resource"
)

// session is a configured graph with its archives imported.
type session struct {
	cfg    *config.Config
	graph  *graph.Graph
	logger *log.Logger
}

// openSession loads the configuration, builds the graph from it and
// imports every archive of the search directories.
func (a *App) openSession(ctx context.Context, flags *rootFlagValues) (*session, error) {
	if err := validateFormat(flags.output); err != nil {
		return nil, err
	}
	cfg, err := a.Config.Load(ctx, config.LoadOptions{ConfigFilePath: flags.configPath})
	if err != nil {
		return nil, err
	}
	applyFlags(cfg, flags)

	level := cfg.LogLevel.Level()
	if flags.verbose {
		level = log.DebugLevel
	}
	logger := log.NewWithOptions(a.stderr, log.Options{Prefix: "plugkit", Level: level})

	opts, err := graphOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	g, err := graph.New(opts...)
	if err != nil {
		return nil, classify(err, "create module graph", cfg.CacheDir)
	}
	if err := g.ImportAll(); err != nil {
		return nil, classify(err, "import modules", g.PrivateRoot())
	}
	for _, ierr := range g.ImportErrors() {
		logger.Warn("archive skipped", "err", ierr)
	}
	return &session{cfg: cfg, graph: g, logger: logger}, nil
}

// applyFlags lets command line flags override the loaded configuration.
func applyFlags(cfg *config.Config, flags *rootFlagValues) {
	if flags.cacheDir != "" {
		cfg.CacheDir = flags.cacheDir
	}
	if len(flags.searchDirs) > 0 {
		dirs := make([]config.SearchDir, 0, len(flags.searchDirs)+len(cfg.SearchDirs))
		for _, d := range flags.searchDirs {
			dirs = append(dirs, config.SearchDir{Path: d})
		}
		cfg.SearchDirs = append(dirs, cfg.SearchDirs...)
	}
}

func graphOptions(cfg *config.Config, logger *log.Logger) ([]graph.Option, error) {
	buildTime, err := cfg.BuildTime()
	if err != nil {
		return nil, err
	}
	storeOpts := []filestore.Option{filestore.WithLogger(logger.WithPrefix("filestore"))}
	if cfg.SystemPrefix != "" {
		storeOpts = append(storeOpts, filestore.WithSystemLocation(cfg.SystemPrefix, buildTime))
	}

	rtOpts := []loader.RuntimeOption{loader.WithInArchiveNative(cfg.InArchiveNative)}
	if len(cfg.ABIs) > 0 {
		rtOpts = append(rtOpts, loader.WithABIs(cfg.ABIs...))
	}
	var rt loader.Runtime
	switch cfg.Runtime {
	case config.RuntimeStatic:
		rt = loader.NewStaticRuntime(rtOpts...)
	default:
		rt = loader.NewScriptRuntime(rtOpts...)
	}

	dirs := make([]graph.SearchDir, len(cfg.SearchDirs))
	for i, d := range cfg.SearchDirs {
		dirs[i] = graph.SearchDir{Path: d.Path, Shared: d.Shared}
	}

	// Without an executable path the host stamp is the zero time.
	hostPath, _ := os.Executable()
	host := graph.Embedded{Package: module.PackageName(cfg.HostPackage), Name: "plugkit host"}

	opts := []graph.Option{
		graph.WithCacheRoots(cfg.CacheDir, cfg.SharedCacheDir),
		graph.WithSearchDirs(dirs...),
		graph.WithImportFrom(cfg.ImportFrom...),
		graph.WithHost(host, hostPath),
		graph.WithFiles(filestore.New(storeOpts...)),
		graph.WithRuntime(rt),
		graph.WithExtractPrefixes(cfg.ExtractPrefixes...),
		graph.WithLogger(logger.WithPrefix("graph")),
	}
	if cfg.LoadFilter != "" {
		f, err := loadfilter.Compile(cfg.LoadFilter)
		if err != nil {
			return nil, classify(err, "compile load filter", cfg.LoadFilter)
		}
		opts = append(opts, graph.WithLoadFilter(f))
	}
	return opts, nil
}

// load runs Load with the configured templates and locale, finishes a
// delayed load unless keepDelayed is set, and applies selected_overlays.
// Module failures are returned one per module; the session stays usable.
func (s *session) load(delay, keepDelayed bool) (graph.Continuation, []error) {
	if s.cfg.Locale != "" {
		s.graph.Configure(resource.Configuration{Locale: s.cfg.Locale})
	}
	templates := make([]module.Tag, len(s.cfg.Templates))
	for i, t := range s.cfg.Templates {
		templates[i] = module.Tag(t)
	}

	cont, err := s.graph.Load(delay, templates...)
	errs := splitJoined(err)
	if cont != nil && !keepDelayed {
		errs = append(errs, splitJoined(cont())...)
		cont = nil
	}
	errs = append(errs, s.applySelections()...)
	return cont, errs
}

// splitJoined undoes one errors.Join level. Load joins its per-module
// errors, whose own multi-unwrap must stay intact.
func splitJoined(err error) []error {
	if err == nil {
		return nil
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

func (s *session) applySelections() []error {
	var errs []error
	for _, target := range slices.Sorted(maps.Keys(s.cfg.SelectedOverlays)) {
		names := make([]module.PackageName, 0, len(s.cfg.SelectedOverlays[target]))
		for _, n := range s.cfg.SelectedOverlays[target] {
			names = append(names, module.PackageName(n))
		}
		selected, err := s.graph.SelectOverlays(module.PackageName(target), names...)
		if err != nil {
			errs = append(errs, fmt.Errorf("select overlays of %s: %w", target, err))
			continue
		}
		s.logger.Debug("overlays selected", "target", target, "selected", selected)
	}
	return errs
}

// close stops the started modules and releases the archives.
func (s *session) close() {
	if err := s.graph.Close(); err != nil {
		s.logger.Warn("shutdown", "err", err)
	}
}

// module looks up pkg and reports a missing package as an actionable error.
func (s *session) module(pkg string) (*graph.Module, error) {
	m, ok := s.graph.Module(module.PackageName(pkg))
	if !ok {
		return nil, classify(fmt.Errorf("%w: %s", graph.ErrUnknownModule, pkg), "find module", pkg)
	}
	return m, nil
}

// classify wraps err in an ActionableError carrying the catalog issue that
// matches its cause.
func classify(err error, operation, res string) error {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return err
	}
	ctx := issue.NewErrorContext().WithOperation(operation).WithResource(res).Wrap(err)
	switch {
	case errors.Is(err, loadfilter.ErrInvalidExpression):
		ctx.WithIssue(issue.InvalidLoadFilterId).
			WithSuggestion("Fix load_filter; it is an expr expression over package, name, version, overlay, tags and host")
	case errors.Is(err, module.ErrInvalidArchive), errors.Is(err, module.ErrMissingPackageID):
		ctx.WithIssue(issue.ArchiveInvalidId).
			WithSuggestion("Check that the archive carries a manifest.cue with an id field")
	case errors.Is(err, graph.ErrUnknownModule):
		ctx.WithIssue(issue.ModuleNotFoundId).
			WithSuggestion("Run 'plugkit list' to see the imported packages")
	case errors.Is(err, graph.ErrKindMismatch):
		ctx.WithIssue(issue.KindMismatchId)
	case errors.Is(err, graph.ErrMissingDependency):
		ctx.WithIssue(issue.MissingDependencyId).
			WithSuggestion("Install the missing module or mark the dependency weak with a leading '?'")
	case errors.Is(err, graph.ErrCache):
		ctx.WithIssue(issue.CacheFailedId).
			WithSuggestion("Check permissions of the cache directory or set cache_dir")
	case errors.Is(err, loader.ErrLibraryNotFound):
		ctx.WithIssue(issue.NativeLibraryId).
			WithSuggestion("Ship lib/<abi>/ for one of the configured abis")
	case errors.Is(err, graph.ErrFailed), errors.Is(err, graph.ErrNotChecked):
		ctx.WithIssue(issue.StartFailedId)
	}
	return ctx.BuildError()
}
