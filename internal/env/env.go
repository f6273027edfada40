package env

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to the worker process.
type Env struct {
	Var Var // overrides applied on top of the base
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// FromList uses kvs ("K=V") as the base instead of the OS environment.
func (e *Env) FromList(kvs []string) {
	e.env = parse(kvs)
}

// Set sets an override K=V.
func (e *Env) Set(k, v string) *Env {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
	return e
}

// Merge composes base, overrides, then extra ("K=V") in that order.
// ${VAR} references are expanded once against the composed map.
// The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(extra))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range parse(extra) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+os.Expand(m[k], func(name string) string {
			if v, ok := m[name]; ok {
				return v
			}
			return "${" + name + "}"
		}))
	}
	return out
}

// PrependPath puts dir at the front of the current process's PATH unless it is already listed.
// Later exec.LookPath calls observe the change.
func PrependPath(dir string) error {
	key := pathKey()
	cur := os.Getenv(key)
	for _, p := range filepath.SplitList(cur) {
		if samePath(p, dir) {
			return nil
		}
	}
	if cur == "" {
		return os.Setenv(key, dir)
	}
	return os.Setenv(key, dir+string(os.PathListSeparator)+cur)
}

func pathKey() string {
	if runtime.GOOS == "windows" {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i > 0 && strings.EqualFold(kv[:i], "path") {
				return kv[:i]
			}
		}
		return "Path"
	}
	return "PATH"
}

func samePath(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}
