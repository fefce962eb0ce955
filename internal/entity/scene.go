package entity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// SceneFile is the top-level structure of a scene YAML file.
//
// Example:
//
//	scene:
//	  name: "Goblin Ambush"
//	  system: "dnd5e"
//	entities:
//	  - id: ogre
//	    name: "Ogre"
//	    type: npc
//	    disposition: -1
//	    hp: {value: 59, max: 59}
//	templates:
//	  - id: bless
//	    name: "Bless"
//	    duration: {seconds: 60}
//	    power_level: 1
type SceneFile struct {
	Scene     SceneMeta              `yaml:"scene"`
	Entities  []types.Entity         `yaml:"entities"`
	Templates []types.EffectTemplate `yaml:"templates"`
}

// SceneMeta holds top-level metadata for a scene.
type SceneMeta struct {
	// Name is the scene's display name.
	Name string `yaml:"name"`

	// System is the game system identifier (e.g., "dnd5e").
	System string `yaml:"system"`
}

// LoadSceneFile reads and parses a scene YAML file from disk.
func LoadSceneFile(path string) (*SceneFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("entity: open scene file %q: %w", path, err)
	}
	defer f.Close()

	sf, err := LoadSceneFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("entity: parse scene file %q: %w", path, err)
	}
	return sf, nil
}

// LoadSceneFromReader parses scene YAML from an [io.Reader].
// The reader is consumed entirely; the caller is responsible for closing it.
func LoadSceneFromReader(r io.Reader) (*SceneFile, error) {
	var sf SceneFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("entity: decode scene yaml: %w", err)
	}
	return &sf, nil
}

// TemplateSink receives the effect templates of a scene.
type TemplateSink interface {
	Put(t types.EffectTemplate)
}

// ImportScene adds the scene's entities to store and its templates to sink
// (when non-nil). Returns the number of entities imported.
// An error from the store aborts the import and returns the count so far.
func ImportScene(ctx context.Context, store Store, sink TemplateSink, scene *SceneFile) (int, error) {
	if scene == nil {
		return 0, fmt.Errorf("entity: scene must not be nil")
	}
	n, err := store.BulkImport(ctx, scene.Entities)
	if err != nil {
		return n, fmt.Errorf("entity: import scene %q: %w", scene.Scene.Name, err)
	}
	if sink != nil {
		for _, t := range scene.Templates {
			sink.Put(t)
		}
	}
	return n, nil
}
