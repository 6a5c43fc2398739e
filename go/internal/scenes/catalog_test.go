package scenes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifest = `
scenes:
  - id: outro
    title: Outro
    order: 3
    duration_sec: 60
  - id: intro
    title: Intro
    order: 1
    duration_sec: 120
    media:
      skybox: images/intro.png
  - id: middle
    title: Middle
    order: 2
    duration_sec: 90
`

func TestParseOrdersByTourOrder(t *testing.T) {
	c, err := Parse([]byte(manifest))
	require.NoError(t, err)

	all := c.All()
	require.Len(t, all, 3)
	assert.Equal(t, "intro", all[0].ID)
	assert.Equal(t, "middle", all[1].ID)
	assert.Equal(t, "outro", all[2].ID)
	assert.Equal(t, "images/intro.png", all[0].Media["skybox"])
	assert.Equal(t, 120, all[0].DurationSec)
}

func TestValidate(t *testing.T) {
	c, err := Parse([]byte(manifest))
	require.NoError(t, err)

	assert.NoError(t, c.Validate("middle"))
	assert.ErrorIs(t, c.Validate("lobby"), ErrUnknownScene)
}

func TestNewCatalogRejectsDuplicates(t *testing.T) {
	_, err := NewCatalog([]Scene{{ID: "a"}, {ID: "a"}})
	assert.Error(t, err)

	_, err = NewCatalog([]Scene{{Title: "nameless"}})
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestAllReturnsCopy(t *testing.T) {
	c, err := Parse([]byte(manifest))
	require.NoError(t, err)

	all := c.All()
	all[0].ID = "changed"

	s, ok := c.Get("intro")
	require.True(t, ok)
	assert.Equal(t, "intro", s.ID)
	assert.Equal(t, "intro", c.All()[0].ID)
}
