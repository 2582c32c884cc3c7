// Package artifacts writes failure artifacts beneath a fixed directory tree
// keyed by scenario name, stable across runs so external CI tooling can
// diff and upload them.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout of one run's artifacts:
//
//	<root>/<scenario>/<snapshot>.candidate.png
//	<root>/<scenario>/app.log
//	<root>/<scenario>/failure.txt
//	<root>/bundle.tar.zst
const (
	appLogName     = "app.log"
	failureName    = "failure.txt"
	candidateExt   = ".candidate.png"
	BundleFileName = "bundle.tar.zst"
)

// Dir is the artifact root for one harness run.
type Dir struct {
	root string
}

// New returns a Dir rooted at root. The directory is created lazily, so a
// fully green run leaves no artifact tree behind.
func New(root string) *Dir {
	return &Dir{root: root}
}

// Root returns the artifact root path.
func (d *Dir) Root() string {
	return d.root
}

func (d *Dir) scenarioDir(scenario string) (string, error) {
	dir := filepath.Join(d.root, scenario)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir %s: %w", dir, err)
	}
	return dir, nil
}

// WriteCandidate persists a mismatching or errored candidate snapshot and
// returns its path.
func (d *Dir) WriteCandidate(scenario, name string, png []byte) (string, error) {
	dir, err := d.scenarioDir(scenario)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name+candidateExt)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("write candidate %s: %w", path, err)
	}
	return path, nil
}

// WriteAppLog persists the application under test's combined output.
func (d *Dir) WriteAppLog(scenario string, output []byte) (string, error) {
	dir, err := d.scenarioDir(scenario)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, appLogName)
	if err := os.WriteFile(path, output, 0o644); err != nil {
		return "", fmt.Errorf("write app log %s: %w", path, err)
	}
	return path, nil
}

// WriteFailure persists the human-readable failure reason.
func (d *Dir) WriteFailure(scenario, reason string) (string, error) {
	dir, err := d.scenarioDir(scenario)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, failureName)
	if err := os.WriteFile(path, []byte(reason+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write failure reason %s: %w", path, err)
	}
	return path, nil
}
