package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// FileExtension marks the files picked up when a directory is given as a
// source.
const FileExtension = ".hcl"

// ParseConfigFiles parses every source into an HCL body. A source is a path to
// a file or directory, the raw bytes of one file, or an fs.FS walked for files
// with FileExtension.
func ParseConfigFiles(sources ...any) ([]hcl.Body, hcl.Diagnostics) {
	parser := hclparse.NewParser()
	var diags hcl.Diagnostics
	bodies := make([]hcl.Body, 0, len(sources))

	for _, source := range sources {
		switch v := source.(type) {
		case string:
			info, err := os.Stat(v)
			if err != nil {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Failed to stat file",
					Detail:   fmt.Sprintf("Error statting %s: %s", v, err),
				})
				continue
			}

			if info.IsDir() {
				newBodies, newDiags := parseFS(parser, os.DirFS(v), v)
				diags = diags.Extend(newDiags)
				bodies = append(bodies, newBodies...)
			} else {
				file, parseDiags := parser.ParseHCLFile(v)
				diags = diags.Extend(parseDiags)
				if file != nil {
					bodies = append(bodies, file.Body)
				}
			}
		case []byte:
			filename := fmt.Sprintf("<bytes@%p>", v)
			file, parseDiags := parser.ParseHCL(v, filename)
			diags = diags.Extend(parseDiags)
			if file != nil {
				bodies = append(bodies, file.Body)
			}
		case fs.FS:
			newBodies, newDiags := parseFS(parser, v, "")
			diags = diags.Extend(newDiags)
			bodies = append(bodies, newBodies...)
		default:
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid source type",
				Detail:   fmt.Sprintf("Invalid source type: %T", v),
			})
		}
	}

	return bodies, diags
}

// parseFS parses the config files of fsys in lexical order. prefix is joined
// to the paths used in diagnostics.
func parseFS(parser *hclparse.Parser, fsys fs.FS, prefix string) ([]hcl.Body, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	bodies := make([]hcl.Body, 0)

	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		name := filepath.Join(prefix, path)
		if err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Failed to access file or directory",
				Detail:   fmt.Sprintf("Error accessing %s: %s", name, err),
			})
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(path, FileExtension) {
			return nil
		}

		content, err := fs.ReadFile(fsys, path)
		if err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Failed to read file",
				Detail:   fmt.Sprintf("Error reading %s: %s", name, err),
			})
			return nil
		}

		file, parseDiags := parser.ParseHCL(content, name)
		diags = diags.Extend(parseDiags)
		if file != nil {
			bodies = append(bodies, file.Body)
		}
		return nil
	})

	if err != nil {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Failed to walk directory",
			Detail:   fmt.Sprintf("Error walking directory %s: %s", prefix, err),
		})
	}

	return bodies, diags
}
