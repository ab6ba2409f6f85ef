package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileCapability gives stages read/write/list access to a single root
// directory. Paths are resolved relative to the root; escaping it is
// rejected.
type FileCapability struct {
	root string
}

// NewFileCapability scopes the capability to root.
func NewFileCapability(root string) *FileCapability {
	return &FileCapability{root: root}
}

// Name implements Capability.
func (f *FileCapability) Name() string { return "file_io" }

// Operations implements Capability.
func (f *FileCapability) Operations() map[string]Operation {
	pathSchema := `{
		"type": "object",
		"properties": {"path": {"type": "string", "minLength": 1}},
		"required": ["path"],
		"additionalProperties": false
	}`
	return map[string]Operation{
		"read": {
			Description: "Read a file under the capability root.",
			Schema:      pathSchema,
		},
		"write": {
			Description: "Write a file under the capability root, creating parent directories.",
			Schema: `{
				"type": "object",
				"properties": {
					"path": {"type": "string", "minLength": 1},
					"content": {"type": "string"}
				},
				"required": ["path", "content"],
				"additionalProperties": false
			}`,
		},
		"list": {
			Description: "List directory entries under the capability root.",
			Schema:      pathSchema,
		},
	}
}

// Start implements Capability, creating the root if needed.
func (f *FileCapability) Start(context.Context) error {
	return os.MkdirAll(f.root, 0o750)
}

// Stop implements Capability.
func (f *FileCapability) Stop(context.Context) error { return nil }

// Healthy implements Capability.
func (f *FileCapability) Healthy(context.Context) error {
	info, err := os.Stat(f.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("root %s is not a directory", f.root)
	}
	return nil
}

// Invoke implements Capability.
func (f *FileCapability) Invoke(ctx context.Context, operation string, params map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel, _ := params["path"].(string)
	path, err := f.resolve(rel)
	if err != nil {
		return nil, err
	}

	switch operation {
	case "read":
		data, err := os.ReadFile(path) // #nosec G304 -- path is confined to the root
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", rel, err)
		}
		return map[string]any{"content": string(data)}, nil

	case "write":
		content, _ := params["content"].(string)
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create parent of %s: %w", rel, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", rel, err)
		}
		return map[string]any{"written": len(content)}, nil

	case "list":
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", rel, err)
		}
		names := make([]any, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		return map[string]any{"entries": names}, nil

	default:
		return nil, fmt.Errorf("%w: file_io.%s", ErrUnknownOperation, operation)
	}
}

// resolve joins rel onto the root and rejects escapes.
func (f *FileCapability) resolve(rel string) (string, error) {
	cleaned := filepath.Clean("/" + rel)
	path := filepath.Join(f.root, cleaned)
	rootAbs, err := filepath.Abs(f.root)
	if err != nil {
		return "", err
	}
	pathAbs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if pathAbs != rootAbs && !strings.HasPrefix(pathAbs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the capability root", rel)
	}
	return pathAbs, nil
}
