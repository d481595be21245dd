// Package tools provides the built-in tool set exercising the Tool
// Registry's middleware chain: a handful of filesystem and housekeeping
// tools with undo-capable inverses, enough to drive the Chat/Tool Loop and
// the Action Log's undo contract end to end. Provider-specific or
// sandboxed tool execution is out of scope (spec section 1).
package tools

import (
	"context"
	"fmt"
	"os"

	"github.com/undoable/undoable/internal/action"
	"github.com/undoable/undoable/internal/toolregistry"
)

// Register installs the built-in tool set into a Registry.
func Register(reg *toolregistry.Registry) error {
	return reg.RegisterTools(
		readFileTool(),
		writeFileTool(),
		undoWriteFileTool(),
		processPollTool(),
	)
}

func readFileTool() *toolregistry.Tool {
	return &toolregistry.Tool{
		Name:        "read_file",
		Description: "Read the contents of a file at an absolute path.",
		Category:    action.CategoryRead,
		Undoable:    false,
		Schema: map[string]interface{}{
			"type":                 "object",
			"properties":           map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
			"required":             []interface{}{"path"},
			"additionalProperties": false,
		},
		Execute: func(ctx context.Context, args map[string]interface{}) (interface{}, action.Inverse, error) {
			path, _ := args["path"].(string)
			if path == "" {
				return nil, nil, fmt.Errorf("path is required")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, nil, fmt.Errorf("read %s: %w", path, err)
			}
			return string(data), nil, nil
		},
	}
}

func writeFileTool() *toolregistry.Tool {
	return &toolregistry.Tool{
		Name:        "write_file",
		Description: "Write content to a file at an absolute path, creating or overwriting it.",
		Category:    action.CategoryMutate,
		Undoable:    true,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":    map[string]interface{}{"type": "string"},
				"content": map[string]interface{}{"type": "string"},
			},
			"required":             []interface{}{"path", "content"},
			"additionalProperties": false,
		},
		Execute: func(ctx context.Context, args map[string]interface{}) (interface{}, action.Inverse, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			if path == "" {
				return nil, nil, fmt.Errorf("path is required")
			}

			prior, existed, readErr := readExisting(path)
			if readErr != nil {
				return nil, nil, readErr
			}

			if err := os.WriteFile(path, []byte(content), 0600); err != nil {
				return nil, nil, fmt.Errorf("write %s: %w", path, err)
			}

			inverse := action.Inverse{
				"path":    path,
				"existed": existed,
				"content": prior,
			}
			return map[string]interface{}{"bytesWritten": len(content)}, inverse, nil
		},
	}
}

func readExisting(path string) (content string, existed bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read existing %s: %w", path, err)
	}
	return string(data), true, nil
}

// undoWriteFileTool is the paired undo-capable executor for write_file,
// registered under the "undo:" + name convention the Tool Registry routes
// undo requests through.
func undoWriteFileTool() *toolregistry.Tool {
	return &toolregistry.Tool{
		Name:        "undo:write_file",
		Description: "Restores a file to its pre-write_file contents, or removes it if it did not exist.",
		Category:    action.CategoryMutate,
		Undoable:    false,
		Execute: func(ctx context.Context, args map[string]interface{}) (interface{}, action.Inverse, error) {
			path, _ := args["path"].(string)
			existed, _ := args["existed"].(bool)
			content, _ := args["content"].(string)

			if !existed {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return nil, nil, fmt.Errorf("remove %s: %w", path, err)
				}
				return nil, nil, nil
			}
			if err := os.WriteFile(path, []byte(content), 0600); err != nil {
				return nil, nil, fmt.Errorf("restore %s: %w", path, err)
			}
			return nil, nil, nil
		},
	}
}

// processPollTool is a stand-in for an agent polling a long-running
// background task; it is read-only and exists primarily so the Chat/Tool
// Loop's all-process.poll iteration exemption (section 4.7 step 4e) has a
// real tool to exercise.
func processPollTool() *toolregistry.Tool {
	return &toolregistry.Tool{
		Name:        "process.poll",
		Description: "Poll a background process started by a prior tool call for completion.",
		Category:    action.CategoryRead,
		Undoable:    false,
		Schema: map[string]interface{}{
			"type":                 "object",
			"properties":           map[string]interface{}{"handle": map[string]interface{}{"type": "string"}},
			"required":             []interface{}{"handle"},
			"additionalProperties": false,
		},
		Execute: func(ctx context.Context, args map[string]interface{}) (interface{}, action.Inverse, error) {
			return map[string]interface{}{"status": "running"}, nil, nil
		},
	}
}
