package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectVariants(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"Containerfile",
		"Containerfile.pkg",
		"Containerfile.pkg-latest",
		"Containerfile.j2",
		"Containerfile.pkg.bak",
		"Containerfile.experimental",
	} {
		writeFile(t, dir, name, "FROM scratch\n")
	}

	variants, err := DetectVariants(dir, []string{"Containerfile.experimental"})
	require.NoError(t, err)

	var tags []string
	for _, v := range variants {
		tags = append(tags, v.Tag)
	}
	assert.Equal(t, []string{"latest", "pkg", "pkg-latest"}, tags)
	assert.True(t, variants[0].Default)
	assert.False(t, variants[1].Default)
	assert.Equal(t, "Containerfile.pkg-latest", variants[2].Containerfile)
}

func TestDetectVariants_Empty(t *testing.T) {
	variants, err := DetectVariants(t.TempDir(), nil)
	require.NoError(t, err)
	assert.Empty(t, variants)
}

func TestSelectVariants(t *testing.T) {
	all := []Variant{{Tag: "latest"}, {Tag: "pkg"}}
	assert.Len(t, SelectVariants(all, ""), 2)
	assert.Equal(t, []Variant{{Tag: "pkg"}}, SelectVariants(all, "pkg"))
	assert.Empty(t, SelectVariants(all, "missing"))
}
