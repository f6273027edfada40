package detector

import (
	"os/exec"
	"path/filepath"
)

var consoleBinaries = []string{"stata-mp", "stata-se", "stata"}

// CommandDetector resolves a console binary on PATH and reports its directory.
type CommandDetector struct {
	Names    []string
	LookPath func(string) (string, error)
}

func (d CommandDetector) Detect() (Installation, bool) {
	look := d.LookPath
	if look == nil {
		look = exec.LookPath
	}
	for _, n := range d.Names {
		p, err := look(n)
		if err != nil {
			continue
		}
		if resolved, err := filepath.EvalSymlinks(p); err == nil {
			p = resolved
		}
		dir := filepath.Dir(p)
		ed := EditionOf(dir)
		if ed == "" {
			ed = editionFromName(n)
		}
		return Installation{Path: dir, Edition: ed, Detector: d.Describe()}, true
	}
	return Installation{}, false
}

func (d CommandDetector) Describe() string { return "cmd:path" }

func editionFromName(n string) string {
	switch n {
	case "stata-mp":
		return "mp"
	case "stata-se":
		return "se"
	default:
		return "be"
	}
}
