// Package coretools registers the baseline read-only filesystem tools a
// host wires into the registry: list_files, read_file, stat_file. All paths
// resolve inside the configured workspace root.
package coretools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/droverhq/drover/pkg/toolkit"
)

// Options configures core tool registration.
type Options struct {
	WorkspaceRoot string
}

// Register registers the core tools on a registry.
func Register(registry *toolkit.Registry, opts Options) error {
	if registry == nil {
		return errors.New("registry is required")
	}
	if opts.WorkspaceRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
		opts.WorkspaceRoot = wd
	}

	tools := []toolkit.Definition{
		listFilesTool(opts),
		readFileTool(opts),
		statFileTool(opts),
	}

	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func listFilesTool(opts Options) toolkit.Definition {
	return toolkit.Definition{
		Name:        "list_files",
		Description: "List files and directories at a path inside the workspace.",
		Parameters: []toolkit.Parameter{
			{Name: "path", Type: "string", Description: "Relative directory path (default workspace root)", Required: false, Default: "."},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			pathValue, _ := args["path"].(string)
			if pathValue == "" {
				pathValue = "."
			}
			target, err := resolveInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return "", err
			}

			entries, err := os.ReadDir(target)
			if err != nil {
				return "", err
			}

			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				name := entry.Name()
				if entry.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)

			if len(names) == 0 {
				return "(empty directory)", nil
			}
			return strings.Join(names, "\n"), nil
		},
	}
}

func readFileTool(opts Options) toolkit.Definition {
	return toolkit.Definition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Parameters: []toolkit.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "number", Description: "Maximum bytes to read (default 200000)", Required: false, Default: 200000},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			pathValue, _ := args["path"].(string)
			target, err := resolveInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return "", err
			}

			maxBytes := int64(200000)
			if raw, ok := args["max_bytes"].(float64); ok && raw > 0 {
				maxBytes = int64(raw)
			}

			info, err := os.Stat(target)
			if err != nil {
				return "", err
			}
			if info.IsDir() {
				return "", fmt.Errorf("%s is a directory", pathValue)
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return "", err
			}
			if int64(len(data)) > maxBytes {
				return string(data[:maxBytes]) + "\n... [truncated]", nil
			}
			return string(data), nil
		},
	}
}

func statFileTool(opts Options) toolkit.Definition {
	return toolkit.Definition{
		Name:        "stat_file",
		Description: "Report size, type, and modification time of a workspace path.",
		Parameters: []toolkit.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			pathValue, _ := args["path"].(string)
			target, err := resolveInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return "", err
			}

			info, err := os.Stat(target)
			if err != nil {
				return "", err
			}

			out, err := json.Marshal(map[string]interface{}{
				"path":     pathValue,
				"size":     info.Size(),
				"is_dir":   info.IsDir(),
				"mode":     info.Mode().String(),
				"modified": info.ModTime().UTC(),
			})
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	}
}

// resolveInWorkspace joins a relative path onto the workspace root and
// rejects escapes.
func resolveInWorkspace(root, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", errors.New("path is required")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be relative to the workspace: %s", rel)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	target := filepath.Clean(filepath.Join(absRoot, rel))

	relCheck, err := filepath.Rel(absRoot, target)
	if err != nil || relCheck == ".." || strings.HasPrefix(relCheck, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace: %s", rel)
	}
	return target, nil
}
