package detector

import "os"

// DirDetector picks the first existing directory.
type DirDetector struct{ Dirs []string }

func (d DirDetector) Detect() (Installation, bool) {
	for _, dir := range d.Dirs {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return Installation{Path: dir, Edition: EditionOf(dir), Detector: d.Describe()}, true
		}
	}
	return Installation{}, false
}

func (d DirDetector) Describe() string { return "dir" }

// EnvDetector reads the installation directory from an environment variable.
type EnvDetector struct{ Var string }

func (d EnvDetector) Detect() (Installation, bool) {
	dir := os.Getenv(d.Var)
	if dir == "" {
		return Installation{}, false
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return Installation{}, false
	}
	return Installation{Path: dir, Edition: EditionOf(dir), Detector: d.Describe()}, true
}

func (d EnvDetector) Describe() string { return "env:" + d.Var }
