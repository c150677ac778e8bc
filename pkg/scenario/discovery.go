// Package scenario holds the filesystem glue around scenario files: discovery,
// display names and the output file name the engine is expected to write.
package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dtrunner/pkg/models"
)

// ScenariosInPath returns the full paths of files in dir whose extension is a
// recognized scenario extension. Subdirectories are not descended into.
func ScenariosInPath(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenarios in %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := models.KindForPath(e.Name()); err != nil {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

// NiceName is the scenario file's base name without its scenario extension.
func NiceName(path string) string {
	return models.ScenarioDescriptor{ScenarioPath: path}.Name()
}

// InputNiceName is the input file's base name without its extension, or "".
func InputNiceName(path string) string {
	if path == "" {
		return ""
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// outputDateLayout is the date stamp the engine appends to output files.
const outputDateLayout = "20060102"

// PredictOutputFile returns the file the engine will write for output on the
// day of now: <dir>/<stem>_<YYYYMMDD>_<n>.csv, where n is one more than the
// highest run number already present for that day.
func PredictOutputFile(output string, now time.Time) (string, error) {
	if output == "" {
		return "", nil
	}
	dir := filepath.Dir(output)
	stem := strings.TrimSuffix(filepath.Base(output), filepath.Ext(output))
	date := now.Format(outputDateLayout)

	pattern, err := regexp.Compile("^" + regexp.QuoteMeta(stem+"_"+date+"_") + `([0-9]+)\.csv$`)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to list output directory %s: %w", dir, err)
	}

	run := 1
	for _, e := range entries {
		m := pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n+1 > run {
			run = n + 1
		}
	}

	return fmt.Sprintf("%s_%s_%d.csv", filepath.Join(dir, stem), date, run), nil
}
