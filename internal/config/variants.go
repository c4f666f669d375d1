package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

// DefaultContainerfile is the build file of the default variant.
const DefaultContainerfile = "Containerfile"

// ignoredSuffixes are editor and template leftovers next to real
// Containerfile.<tag> files.
var ignoredSuffixes = []string{".j2", ".bak", ".orig", ".swp", ".tmp"}

// DetectVariants derives variants from the Containerfiles in dir:
// Containerfile becomes the default "latest" variant and every
// Containerfile.<suffix> a variant tagged <suffix>, in name order.
func DetectVariants(dir string, ignore []string) ([]Variant, error) {
	var variants []Variant

	if isFile(filepath.Join(dir, DefaultContainerfile)) {
		variants = append(variants, Variant{
			Tag:           "latest",
			Containerfile: DefaultContainerfile,
			Default:       true,
		})
	}

	matches, err := filepath.Glob(filepath.Join(dir, DefaultContainerfile+".*"))
	if err != nil {
		return nil, fmt.Errorf("scanning containerfiles: %w", err)
	}
	sort.Strings(matches)

	for _, m := range matches {
		if !isFile(m) {
			continue
		}
		name := filepath.Base(m)
		if slices.Contains(ignoredSuffixes, filepath.Ext(name)) || slices.Contains(ignore, name) {
			continue
		}
		_, suffix, _ := strings.Cut(name, ".")
		variants = append(variants, Variant{
			Tag:           suffix,
			Containerfile: name,
		})
	}
	return variants, nil
}

// SelectVariants filters variants by tag. An empty tag selects all.
func SelectVariants(variants []Variant, tag string) []Variant {
	if tag == "" {
		return variants
	}
	var out []Variant
	for _, v := range variants {
		if v.Tag == tag {
			out = append(out, v)
		}
	}
	return out
}
