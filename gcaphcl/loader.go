// Package gcaphcl loads entity, service and hook declarations from HCL files.
package gcaphcl

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/lemmego/gcap"
)

// Model is the format-agnostic result of loading one or more model files.
type Model struct {
	Entities []gcap.EntityDef
	Services []gcap.ServiceDef
	Hooks    []HookDef
	Files    []string
}

// HookDef is a script hook declared in a model file
type HookDef struct {
	Phase  gcap.Phase
	Event  gcap.Event
	Target string
	Name   string
	Script string
	File   string
}

// Load parses every .hcl file found under paths and merges their blocks
// into a single Model. Directories are walked recursively.
func Load(ctx context.Context, paths ...string) (*Model, error) {
	logger := gcap.LoggerFrom(ctx)
	logger.Debug("HCL model loader started.", "path_count", len(paths))

	files, err := findAllHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered HCL files.", "count", len(files))

	parser := hclparse.NewParser()
	model := &Model{}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		if err := model.decode(file, hclFile.Body); err != nil {
			return nil, err
		}
	}

	logger.Debug("HCL model loading complete.",
		"entities", len(model.Entities), "services", len(model.Services), "hooks", len(model.Hooks))
	return model, nil
}

// Parse decodes a single model document held in memory. filename is only
// used in diagnostics.
func Parse(filename string, src []byte) (*Model, error) {
	hclFile, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	model := &Model{}
	if err := model.decode(filename, hclFile.Body); err != nil {
		return nil, err
	}
	return model, nil
}

// Apply registers the entities and then the services of m
func (m *Model) Apply(models *gcap.ModelRegistry) error {
	for _, def := range m.Entities {
		if err := models.Register(def); err != nil {
			return err
		}
	}
	for _, def := range m.Services {
		if err := models.RegisterService(def); err != nil {
			return err
		}
	}
	return nil
}

// Setup adapts Apply to gcap.Runtime.Use
func (m *Model) Setup() gcap.Setup {
	return func(_ *gcap.HookRegistry, models *gcap.ModelRegistry) error {
		return m.Apply(models)
	}
}

func (m *Model) decode(file string, body hcl.Body) error {
	var root fileRoot
	diags := gohcl.DecodeBody(body, nil, &root)
	if diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
	}

	for _, e := range root.Entities {
		def, err := translateEntity(e)
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		m.Entities = append(m.Entities, def)
	}
	for _, s := range root.Services {
		def, err := translateService(s)
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		m.Services = append(m.Services, def)
	}
	for _, h := range root.Hooks {
		def, err := translateHook(h)
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		def.File = file
		m.Hooks = append(m.Hooks, def)
	}
	m.Files = append(m.Files, file)
	return nil
}

// findAllHCLFiles walks all given paths and returns a flat list of all .hcl files found.
func findAllHCLFiles(paths []string) ([]string, error) {
	var allFiles []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, wasSeen := seen[p]; !wasSeen {
			allFiles = append(allFiles, p)
			seen[p] = struct{}{}
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("error accessing model path %s: %w", path, err)
		}

		if !info.IsDir() {
			if filepath.Ext(path) == ".hcl" {
				add(path)
			}
			continue
		}
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && filepath.Ext(p) == ".hcl" {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return allFiles, nil
}
