// SPDX-License-Identifier: MPL-2.0

package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/dop251/goja"

	"github.com/plugkit/plugkit/pkg/plugin"
)

// ScriptPattern selects the script classes of an archive.
const ScriptPattern = "code/**/*.js"

// ErrNoStartFunction is returned when a script class does not export start.
var ErrNoStartFunction = errors.New("script does not export a start function")

type (
	// ScriptRuntime runs JavaScript classes shipped in the archive.
	//
	// A class is a CommonJS style body. code/com/example/app/Plugin.js
	// defines com.example.app.Plugin:
	//
	//	var util = use("com.example.lib.Util");
	//	exports.start = function(host) {
	//		host.log("started " + host.package);
	//		return 0;
	//	};
	//	exports.stop = function() {};
	ScriptRuntime struct {
		nativeSupport
	}

	scriptUnit struct {
		fsys     fs.FS
		paths    map[string]string
		resolver Resolver

		mu       sync.Mutex
		programs map[string]*goja.Program
	}

	scriptClass struct {
		name string
		unit *scriptUnit
	}

	// scriptInstance owns one VM. Classes pulled in through use() evaluate
	// in the same VM and are evaluated once.
	scriptInstance struct {
		vm       *goja.Runtime
		exports  *goja.Object
		loaded   map[string]*goja.Object
		resolver Resolver
	}
)

// NewScriptRuntime creates a ScriptRuntime.
func NewScriptRuntime(opts ...RuntimeOption) *ScriptRuntime {
	return &ScriptRuntime{nativeSupport: newNativeSupport(opts)}
}

// Name implements Runtime.
func (r *ScriptRuntime) Name() string { return "script" }

// Open implements Runtime. Scripts are compiled on first use.
func (r *ScriptRuntime) Open(req OpenRequest) (CodeUnit, error) {
	files, err := doublestar.Glob(req.Archive.FS(), ScriptPattern)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	u := &scriptUnit{
		fsys:     req.Archive.FS(),
		paths:    make(map[string]string, len(files)),
		resolver: req.Resolver,
		programs: make(map[string]*goja.Program),
	}
	for _, f := range files {
		u.paths[ScriptClassName(f)] = f
	}
	return u, nil
}

// ScriptClassName maps an archive path to its class name.
func ScriptClassName(p string) string {
	p = strings.TrimSuffix(strings.TrimPrefix(p, "code/"), path.Ext(p))
	return strings.ReplaceAll(p, "/", ".")
}

func (u *scriptUnit) Find(name string) (plugin.Class, bool) {
	if _, ok := u.paths[name]; !ok {
		return nil, false
	}
	return &scriptClass{name: name, unit: u}, true
}

func (u *scriptUnit) Close() error {
	u.mu.Lock()
	clear(u.programs)
	u.mu.Unlock()
	return nil
}

func (u *scriptUnit) program(name string) (*goja.Program, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if p, ok := u.programs[name]; ok {
		return p, nil
	}
	src, err := fs.ReadFile(u.fsys, u.paths[name])
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	p, err := goja.Compile(u.paths[name], "(function(exports, use) {\n"+string(src)+"\n})", false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	u.programs[name] = p
	return p, nil
}

func (c *scriptClass) Name() string   { return c.name }
func (c *scriptClass) Tags() []string { return nil }

func (c *scriptClass) New() (plugin.Instance, error) {
	inst := &scriptInstance{
		vm:       goja.New(),
		loaded:   make(map[string]*goja.Object),
		resolver: c.unit.resolver,
	}
	exports, err := inst.load(c)
	if err != nil {
		return nil, err
	}
	if _, ok := goja.AssertFunction(exports.Get("start")); !ok {
		return nil, fmt.Errorf("%s: %w", c.name, ErrNoStartFunction)
	}
	inst.exports = exports
	return inst, nil
}

func (i *scriptInstance) load(c *scriptClass) (*goja.Object, error) {
	if exports, ok := i.loaded[c.name]; ok {
		return exports, nil
	}
	p, err := c.unit.program(c.name)
	if err != nil {
		return nil, err
	}
	v, err := i.vm.RunProgram(p)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", c.name, err)
	}
	body, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("evaluate %s: not a function body", c.name)
	}

	// Registered before running so mutually dependent scripts see each
	// other's partial exports instead of recursing.
	exports := i.vm.NewObject()
	i.loaded[c.name] = exports
	if _, err := body(goja.Undefined(), exports, i.vm.ToValue(i.use)); err != nil {
		delete(i.loaded, c.name)
		return nil, fmt.Errorf("evaluate %s: %w", c.name, err)
	}
	return exports, nil
}

func (i *scriptInstance) use(name string) (*goja.Object, error) {
	if i.resolver == nil {
		return nil, fmt.Errorf("use %q: no resolver", name)
	}
	class, err := i.resolver.LoadClass(name)
	if err != nil {
		return nil, err
	}
	sc, ok := class.(*scriptClass)
	if !ok {
		return nil, fmt.Errorf("use %q: not a script class", name)
	}
	return i.load(sc)
}

func (i *scriptInstance) Start(h plugin.Host) int {
	start, _ := goja.AssertFunction(i.exports.Get("start"))
	v, err := start(i.exports, i.hostObject(h))
	if err != nil {
		hostLogger(h).Error("script start failed", "package", h.Package(), "err", err)
		return 1
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	return int(v.ToInteger())
}

func (i *scriptInstance) Stop() error {
	stop, ok := goja.AssertFunction(i.exports.Get("stop"))
	if !ok {
		return nil
	}
	_, err := stop(i.exports)
	return err
}

func (i *scriptInstance) hostObject(h plugin.Host) *goja.Object {
	o := i.vm.NewObject()
	logger := hostLogger(h)
	// Object.Set only fails on frozen objects.
	_ = o.Set("package", h.Package())
	_ = o.Set("cacheDir", h.CacheDir())
	_ = o.Set("log", func(msg string, kv ...any) {
		logger.Info(msg, kv...)
	})
	_ = o.Set("resource", func(name string) (any, error) {
		id, ok := h.Resources().Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown resource %q", name)
		}
		set, mapped, ok := h.Resolve(id)
		if !ok {
			return nil, nil
		}
		v, _ := set.Value(mapped)
		return v, nil
	})
	_ = o.Set("prop", func(key string) any {
		if v, ok := h.Props().Get(key); ok {
			return v
		}
		return nil
	})
	_ = o.Set("setProp", func(key, value string) error {
		return h.Props().Set(key, value)
	})
	_ = o.Set("library", h.FindLibrary)
	_ = o.Set("selectOverlays", func(names ...string) error {
		return h.SelectOverlays(names...)
	})
	return o
}

func hostLogger(h plugin.Host) *log.Logger {
	if l := h.Logger(); l != nil {
		return l
	}
	return log.Default()
}
