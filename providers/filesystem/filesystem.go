// Package filesystem implements a context provider exposing restricted
// local filesystem access as tools. All operations are confined to the
// configured root directories.
package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/contextlink/go-cxp"
)

// Provider exposes filesystem operations as tools. Every operation resolves
// its paths against the allowed roots and refuses anything that escapes
// them.
type Provider struct {
	rootPaths []string
}

// NewProvider creates a filesystem provider granting access to files under
// the specified root directories.
//
// It returns an error if a root path does not exist, is not a directory, or
// cannot be accessed.
func NewProvider(roots []string) (Provider, error) {
	if len(roots) == 0 {
		return Provider{}, fmt.Errorf("at least one root directory is required")
	}
	cleaned := make([]string, 0, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(filepath.Clean(root))
		if err != nil {
			return Provider{}, fmt.Errorf("failed to resolve root directory: %w", err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return Provider{}, fmt.Errorf("failed to stat root directory: %w", err)
		}
		if !info.IsDir() {
			return Provider{}, fmt.Errorf("root directory is not a directory: %s", root)
		}
		cleaned = append(cleaned, abs)
	}

	return Provider{rootPaths: cleaned}, nil
}

// Register adds every filesystem tool to reg.
func (p Provider) Register(reg *cxp.Registry) error {
	tools := []struct {
		tool    cxp.Tool
		handler cxp.ToolHandlerFunc
	}{
		{
			tool: cxp.Tool{
				Name: "read_file",
				Description: "Read the complete contents of a file from the file system. " +
					"Only works within allowed directories.",
				InputSchema: readFileSchema,
			},
			handler: p.readFile,
		},
		{
			tool: cxp.Tool{
				Name: "read_multiple_files",
				Description: "Read the contents of multiple files in one call. Failed reads " +
					"for individual files won't stop the entire operation. " +
					"Only works within allowed directories.",
				InputSchema: readMultipleFilesSchema,
			},
			handler: p.readMultipleFiles,
		},
		{
			tool: cxp.Tool{
				Name: "write_file",
				Description: "Create a new file or completely overwrite an existing file with " +
					"new content. Only works within allowed directories.",
				InputSchema: writeFileSchema,
			},
			handler: p.writeFile,
		},
		{
			tool: cxp.Tool{
				Name: "edit_file",
				Description: "Replace exact text sequences in a file and return a unified diff " +
					"of the changes. Only works within allowed directories.",
				InputSchema: editFileSchema,
			},
			handler: p.editFile,
		},
		{
			tool: cxp.Tool{
				Name: "create_directory",
				Description: "Create a directory, including any missing parents. Succeeds " +
					"silently if the directory already exists. " +
					"Only works within allowed directories.",
				InputSchema: createDirectorySchema,
			},
			handler: p.createDirectory,
		},
		{
			tool: cxp.Tool{
				Name: "list_directory",
				Description: "List all files and directories in a path, with [FILE] and [DIR] " +
					"prefixes. Only works within allowed directories.",
				InputSchema: listDirectorySchema,
			},
			handler: p.listDirectory,
		},
		{
			tool: cxp.Tool{
				Name: "move_file",
				Description: "Move or rename files and directories. Fails if the destination " +
					"exists. Both paths must be within allowed directories.",
				InputSchema: moveFileSchema,
			},
			handler: p.moveFile,
		},
		{
			tool: cxp.Tool{
				Name: "search_files",
				Description: "Recursively find files matching a glob pattern, with optional " +
					"exclude patterns. Only searches within allowed directories.",
				InputSchema:    searchFilesSchema,
				SupportsCancel: true,
			},
			handler: p.searchFiles,
		},
		{
			tool: cxp.Tool{
				Name: "get_file_info",
				Description: "Retrieve size, modification time, permissions, and type of a " +
					"file or directory. Only works within allowed directories.",
				InputSchema: getFileInfoSchema,
			},
			handler: p.getFileInfo,
		},
		{
			tool: cxp.Tool{
				Name:        "list_allowed_directories",
				Description: "List the root directories this provider may access.",
			},
			handler: p.listAllowedDirectories,
		},
	}

	for _, t := range tools {
		if err := reg.Register(t.tool, t.handler); err != nil {
			return fmt.Errorf("failed to register %s: %w", t.tool.Name, err)
		}
	}
	return nil
}

// resolvePath maps a caller-supplied path onto the allowed roots. Relative
// paths resolve against the first root; absolute paths must already lie
// under one of the roots.
func (p Provider) resolvePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	if !filepath.IsAbs(cleaned) {
		cleaned = filepath.Join(p.rootPaths[0], cleaned)
	}
	for _, root := range p.rootPaths {
		if cleaned == root || strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
			return cleaned, nil
		}
	}
	return "", fmt.Errorf("path %s is outside the allowed directories", path)
}
