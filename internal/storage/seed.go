package storage

import (
	"context"
	"errors"
	"fmt"
)

// SeedConfig lists entities installed at startup.
type SeedConfig struct {
	Projects   []Project   `json:"projects,omitempty" yaml:"projects"`
	Characters []Character `json:"characters,omitempty" yaml:"characters"`
}

// Seed installs the configured projects and characters that do not exist
// yet. Existing entities are left untouched so a restart never clobbers
// edits. Returns the number of entities created.
func Seed(ctx context.Context, store Storage, cfg *SeedConfig) (int, error) {
	if cfg == nil {
		return 0, nil
	}

	created := 0
	for i := range cfg.Projects {
		p := cfg.Projects[i]
		if p.ID == "" {
			return created, fmt.Errorf("seed: project %d has no id", i)
		}
		_, err := store.GetProject(ctx, p.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return created, fmt.Errorf("seed: lookup project %s: %w", p.ID, err)
		}
		if err := store.UpdateProject(ctx, &p); err != nil {
			return created, fmt.Errorf("seed: create project %s: %w", p.ID, err)
		}
		created++
	}

	for i := range cfg.Characters {
		c := cfg.Characters[i]
		if c.ID == "" || c.ProjectID == "" {
			return created, fmt.Errorf("seed: character %d needs id and project_id", i)
		}
		_, err := store.GetCharacter(ctx, c.ProjectID, c.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return created, fmt.Errorf("seed: lookup character %s: %w", c.ID, err)
		}
		if c.Fields == nil {
			c.Fields = make(map[string]any)
		}
		if err := store.UpdateCharacter(ctx, &c); err != nil {
			return created, fmt.Errorf("seed: create character %s: %w", c.ID, err)
		}
		created++
	}
	return created, nil
}
