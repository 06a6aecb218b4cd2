// Package dataset scans and splits the per-class image directory tree
//
//	<root>/{train,val,test}/<class>/*.{jpg,jpeg,png}
package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ecobin/wastesort/internal/utils"
)

// DefaultSplits are the split directories under a dataset root
var DefaultSplits = []string{"train", "val", "test"}

// ListClassFiles returns the eligible image paths of one class directory, sorted by name
func ListClassFiles(dir string) ([]string, error) {
	files, err := utils.ListImageFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	return files, nil
}

// DiscoverClasses returns the sub-directory names of dir in alphabetical order
func DiscoverClasses(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var classes []string
	for _, e := range entries {
		if e.IsDir() {
			classes = append(classes, e.Name())
		}
	}
	sort.Strings(classes)
	return classes, nil
}

// ValidateLayout checks that dir exists and holds a directory per class.
// Empty class directories are left to the feeds.
func ValidateLayout(dir string, classes []string) error {
	if !utils.DirExists(dir) {
		return fmt.Errorf("dataset directory %s does not exist", dir)
	}
	for _, c := range classes {
		if !utils.DirExists(filepath.Join(dir, c)) {
			return fmt.Errorf("class %q has no directory in %s", c, dir)
		}
	}
	return nil
}

// ClassCount is the number of images found for one class
type ClassCount struct {
	Class  string
	Images int
}

// SplitCount holds the class counts of one split directory
type SplitCount struct {
	Split   string
	Present bool
	Classes []ClassCount
}

// Total returns the number of images in the split
func (s SplitCount) Total() int {
	n := 0
	for _, c := range s.Classes {
		n += c.Images
	}
	return n
}

// Report is the result of Count
type Report struct {
	Root   string
	Splits []SplitCount
}

// Missing returns the names of the split directories that were not found
func (r Report) Missing() []string {
	var missing []string
	for _, s := range r.Splits {
		if !s.Present {
			missing = append(missing, s.Split)
		}
	}
	return missing
}

// String renders the report the way count-dataset prints it
func (r Report) String() string {
	var sb strings.Builder
	for _, s := range r.Splits {
		sb.WriteString(fmt.Sprintf("\n%s DATASET\n", strings.ToUpper(s.Split)))
		if !s.Present {
			sb.WriteString("   (missing)\n")
			continue
		}
		for _, c := range s.Classes {
			sb.WriteString(fmt.Sprintf("   %s: %d images\n", c.Class, c.Images))
		}
	}
	return sb.String()
}

// Count walks root/<split>/<class> and counts eligible images
func Count(root string, splits []string) (Report, error) {
	if len(splits) == 0 {
		splits = DefaultSplits
	}
	report := Report{Root: root}
	for _, split := range splits {
		splitDir := filepath.Join(root, split)
		sc := SplitCount{Split: split}
		if !utils.DirExists(splitDir) {
			report.Splits = append(report.Splits, sc)
			continue
		}
		sc.Present = true

		classes, err := DiscoverClasses(splitDir)
		if err != nil {
			return Report{}, err
		}
		for _, c := range classes {
			files, err := ListClassFiles(filepath.Join(splitDir, c))
			if err != nil {
				return Report{}, err
			}
			sc.Classes = append(sc.Classes, ClassCount{Class: c, Images: len(files)})
		}
		report.Splits = append(report.Splits, sc)
	}
	return report, nil
}

// SplitResult records how many files moved per class
type SplitResult struct {
	Moved map[string]int
}

// Split moves int(fraction*n) randomly chosen files of each class from
// trainDir/<class> into valDir/<class>. Every directory entry of the class
// directory is a candidate, not only images.
func Split(trainDir, valDir string, classes []string, fraction float64, rng *rand.Rand) (SplitResult, error) {
	if fraction < 0 || fraction > 1 {
		return SplitResult{}, fmt.Errorf("validation fraction must be between 0 and 1, got %f", fraction)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	for _, c := range classes {
		if err := utils.EnsureDir(filepath.Join(valDir, c)); err != nil {
			return SplitResult{}, fmt.Errorf("failed to create validation dir for %s: %w", c, err)
		}
	}

	result := SplitResult{Moved: make(map[string]int, len(classes))}
	for _, c := range classes {
		src := filepath.Join(trainDir, c)
		dst := filepath.Join(valDir, c)

		entries, err := os.ReadDir(src)
		if err != nil {
			return result, fmt.Errorf("failed to read %s: %w", src, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() {
				names = append(names, e.Name())
			}
		}
		rng.Shuffle(len(names), func(i, j int) {
			names[i], names[j] = names[j], names[i]
		})

		nVal := int(fraction * float64(len(names)))
		for _, name := range names[:nVal] {
			if err := utils.MoveFile(filepath.Join(src, name), filepath.Join(dst, name)); err != nil {
				return result, fmt.Errorf("failed to move %s: %w", name, err)
			}
		}
		result.Moved[c] = nVal
	}
	return result, nil
}
