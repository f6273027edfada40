package detector

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Installation is a Stata install found on this machine.
type Installation struct {
	Path     string `json:"path"`
	Edition  string `json:"edition,omitempty"` // mp, se or be when it can be told from the files
	Detector string `json:"detector"`
}

// Detector is one strategy for finding a Stata installation.
// It must be safe for concurrent use.
type Detector interface {
	// Detect returns the installation it found, if any.
	Detect() (Installation, bool)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// Default returns the detectors tried when no path is configured: the
// STATA_PATH environment variable, the well-known install directories, then
// the PATH lookup of a console binary.
func Default() []Detector {
	return []Detector{
		EnvDetector{Var: "STATA_PATH"},
		DirDetector{Dirs: WellKnownDirs(runtime.GOOS, os.Getenv)},
		CommandDetector{Names: consoleBinaries},
	}
}

// Detect returns the first installation any detector finds.
func Detect(ds ...Detector) (Installation, bool) {
	if len(ds) == 0 {
		ds = Default()
	}
	for _, d := range ds {
		if inst, ok := d.Detect(); ok {
			return inst, true
		}
	}
	return Installation{}, false
}

// WellKnownDirs lists install directories in preference order, newest release first.
func WellKnownDirs(goos string, getenv func(string) string) []string {
	switch goos {
	case "windows":
		pf := getenv("ProgramFiles")
		if pf == "" {
			pf = `C:\Program Files`
		}
		pf86 := getenv("ProgramFiles(x86)")
		if pf86 == "" {
			pf86 = `C:\Program Files (x86)`
		}
		var out []string
		for _, base := range []string{pf, pf86} {
			for _, v := range []string{"Stata19", "Stata18", "Stata17"} {
				out = append(out, base+`\`+v)
			}
		}
		return out
	case "darwin":
		return []string{
			"/Applications/Stata19",
			"/Applications/Stata18",
			"/Applications/Stata17",
			"/Applications/StataNow",
			"/Applications/Stata",
		}
	default:
		return []string{
			"/usr/local/stata19",
			"/usr/local/stata18",
			"/usr/local/stata17",
			"/usr/local/stata",
		}
	}
}

// EditionOf guesses the edition from the binaries present in dir.
func EditionOf(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	found := map[string]bool{}
	for _, e := range entries {
		n := strings.ToLower(e.Name())
		n = strings.TrimSuffix(n, filepath.Ext(n))
		switch {
		case strings.Contains(n, "stata-mp"), strings.Contains(n, "statamp"):
			found["mp"] = true
		case strings.Contains(n, "stata-se"), strings.Contains(n, "statase"):
			found["se"] = true
		case n == "stata", strings.Contains(n, "stata-be"), strings.Contains(n, "statabe"):
			found["be"] = true
		}
	}
	for _, ed := range []string{"mp", "se", "be"} {
		if found[ed] {
			return ed
		}
	}
	return ""
}
