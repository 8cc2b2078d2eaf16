package workflow

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"filigree/internal/errs"
)

//go:embed builtin.yml
var builtinYAML []byte

// Builtin parses the embedded built-in pack. A parse failure here is a
// programming error surfaced at startup, not hidden.
func Builtin() (*Pack, error) {
	return ParsePack(builtinYAML)
}

// Load merges the three layered sources in override order:
// built-in, installed packs (.filigree/packs/*.yml sorted by filename),
// project-local overrides (.filigree/workflows.local.yml). Later sources win
// per type name. enabledPacks, when non-empty, filters installed packs by
// pack name; the built-in and project-local layers are always active.
func Load(workspace string, enabledPacks []string) (*Registry, error) {
	builtin, err := Builtin()
	if err != nil {
		return nil, fmt.Errorf("builtin pack: %w", err)
	}
	packs := []*Pack{builtin}

	installed, err := loadInstalled(workspace, enabledPacks)
	if err != nil {
		return nil, err
	}
	packs = append(packs, installed...)

	local, err := loadLocal(workspace)
	if err != nil {
		return nil, err
	}
	if local != nil {
		packs = append(packs, local)
	}
	return NewRegistry(packs...), nil
}

func packsDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".filigree", "packs")
}

func localPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".filigree", "workflows.local.yml")
}

func loadInstalled(workspace string, enabled []string) ([]*Pack, error) {
	dir := packsDir(workspace)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	allow := map[string]bool{}
	for _, name := range enabled {
		allow[name] = true
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext != ".yml" && ext != ".yaml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var packs []*Pack
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		pack, err := ParsePack(data)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, err, "pack file %s", name)
		}
		if len(allow) > 0 && !allow[pack.Name] {
			continue
		}
		packs = append(packs, pack)
	}
	return packs, nil
}

func loadLocal(workspace string) (*Pack, error) {
	data, err := os.ReadFile(localPath(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	pack, err := ParsePack(data)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "project-local workflows")
	}
	return pack, nil
}
