package scenes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"
)

// ErrUnknownScene is returned when a scene id is not in the catalog.
var ErrUnknownScene = errors.New("unknown scene")

// Scene describes one stop of the tour. The sync core only looks at ID.
type Scene struct {
	ID          string            `yaml:"id" json:"id"`
	Title       string            `yaml:"title" json:"title"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Media       map[string]string `yaml:"media,omitempty" json:"media,omitempty"`
	DurationSec int               `yaml:"duration_sec" json:"durationSec"`
	Order       int               `yaml:"order" json:"order"`
}

// Manifest is the on-disk scene list.
type Manifest struct {
	Scenes []Scene `yaml:"scenes"`
}

// Catalog is an immutable, ordered set of scenes.
type Catalog struct {
	ordered []Scene
	byID    map[string]Scene
}

// NewCatalog indexes scenes, rejecting empty or duplicate ids.
func NewCatalog(list []Scene) (*Catalog, error) {
	c := &Catalog{
		ordered: make([]Scene, 0, len(list)),
		byID:    make(map[string]Scene, len(list)),
	}
	for _, s := range list {
		if s.ID == "" {
			return nil, fmt.Errorf("scene %q: empty id", s.Title)
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate scene id %q", s.ID)
		}
		c.byID[s.ID] = s
		c.ordered = append(c.ordered, s)
	}
	sort.SliceStable(c.ordered, func(i, j int) bool {
		return c.ordered[i].Order < c.ordered[j].Order
	})
	return c, nil
}

// LoadFile reads a YAML manifest.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scene manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes manifest YAML.
func Parse(data []byte) (*Catalog, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse scene manifest: %w", err)
	}
	return NewCatalog(m.Scenes)
}

const selectScenesSQL = `
SELECT id, title, description, media, duration_sec, sort_order
FROM scenes
ORDER BY sort_order, id`

// LoadFromDB reads the scenes table populated by the seed tool.
func LoadFromDB(ctx context.Context, pool *pgxpool.Pool) (*Catalog, error) {
	rows, err := pool.Query(ctx, selectScenesSQL)
	if err != nil {
		return nil, fmt.Errorf("query scenes: %w", err)
	}
	defer rows.Close()

	var list []Scene
	for rows.Next() {
		var s Scene
		if err := rows.Scan(&s.ID, &s.Title, &s.Description, &s.Media, &s.DurationSec, &s.Order); err != nil {
			return nil, fmt.Errorf("scan scene: %w", err)
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scenes: %w", err)
	}
	return NewCatalog(list)
}

// Validate returns ErrUnknownScene if id is not in the catalog.
func (c *Catalog) Validate(id string) error {
	if _, ok := c.byID[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownScene, id)
	}
	return nil
}

func (c *Catalog) Get(id string) (Scene, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// All returns the scenes in tour order.
func (c *Catalog) All() []Scene {
	out := make([]Scene, len(c.ordered))
	copy(out, c.ordered)
	return out
}

func (c *Catalog) Len() int {
	return len(c.ordered)
}
