package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadDirectorySingleApp(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ghost.yaml", `
id: ghost
name: Ghost
family: debian-12
architecture: amd64
compose: |
  services:
    ghost:
      image: ghost:5
environment:
  NODE_ENV: production
ports:
  - container: 2368
min_cores: 1
min_memory_mb: 512
`)

	cat, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, cat.Apps, 1)

	app, err := cat.Get("ghost")
	require.NoError(t, err)
	assert.Equal(t, "Ghost", app.Name)
	assert.Equal(t, "debian-12", app.Family)
	assert.Equal(t, 512, app.MinMemoryMB)
	port, ok := app.PrimaryPort()
	require.True(t, ok)
	assert.Equal(t, 2368, port.Container)
	assert.NotEmpty(t, app.RawYAML)
}

func TestLoadMultiDocumentFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "catalog.yaml", `
id: ghost
name: Ghost
compose: "services: {}"
---
id: wordpress
name: WordPress
compose: "services: {}"
`)

	cat, err := Load(dir)
	require.NoError(t, err)
	assert.Len(t, cat.Apps, 2)

	_, err = cat.Get("ghost")
	assert.NoError(t, err)
	_, err = cat.Get("wordpress")
	assert.NoError(t, err)
}

func TestLoadSingleLegacyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
id: nextcloud
name: Nextcloud
compose: "services: {}"
`), 0o644))

	cat, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cat.Apps, 1)
	_, err = cat.Get("nextcloud")
	assert.NoError(t, err)
}

func TestLoadRejectsDuplicateID(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "catalog.yaml", `
id: ghost
name: Ghost
compose: "services: {}"
---
id: ghost
name: Ghost Again
compose: "services: {}"
`)

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLoadRejectsMissingID(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "catalog.yaml", `
name: NoID
compose: "services: {}"
`)

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestGetUnknownApp(t *testing.T) {
	cat := Catalog{Apps: map[string]App{}}
	_, err := cat.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
