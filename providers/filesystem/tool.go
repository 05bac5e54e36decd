package filesystem

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/sergi/go-diff/diffmatchpatch"
)

type readFileArgs struct {
	Path string `json:"path"`
}

type readMultipleFilesArgs struct {
	Paths []string `json:"paths"`
}

type writeFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type editFileArgs struct {
	Path   string `json:"path"`
	Edits  []edit `json:"edits"`
	DryRun bool   `json:"dryRun"`
}

type edit struct {
	OldText string `json:"oldText"`
	NewText string `json:"newText"`
}

type createDirectoryArgs struct {
	Path string `json:"path"`
}

type listDirectoryArgs struct {
	Path string `json:"path"`
}

type moveFileArgs struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

type searchFilesArgs struct {
	Pattern string   `json:"pattern"`
	Path    string   `json:"path"`
	Exclude []string `json:"exclude"`
}

type getFileInfoArgs struct {
	Path string `json:"path"`
}

type fileContentResult struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type multipleFilesResult struct {
	Files  []fileContentResult `json:"files"`
	Errors []string            `json:"errors,omitempty"`
}

type statusResult struct {
	Status string `json:"status"`
}

type editFileResult struct {
	Status string `json:"status"`
	Diff   string `json:"diff"`
}

type listDirectoryResult struct {
	Entries []string `json:"entries"`
}

type searchFilesResult struct {
	Matches []string `json:"matches"`
}

type fileInfoResult struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	Mode    string `json:"mode"`
	ModTime string `json:"modTime"`
	IsDir   bool   `json:"isDir"`
}

type allowedDirectoriesResult struct {
	Roots []string `json:"roots"`
}

func (p Provider) readFile(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params readFileArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}

	fullPath, err := p.resolvePath(params.Path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file with path %s: %w", params.Path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path %s is a directory, not a file", params.Path)
	}

	bs, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file with path %s: %w", params.Path, err)
	}

	return json.Marshal(fileContentResult{Path: params.Path, Content: string(bs)})
}

func (p Provider) readMultipleFiles(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params readMultipleFilesArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}

	var result multipleFilesResult
	for _, path := range params.Paths {
		fullPath, err := p.resolvePath(path)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		bs, err := os.ReadFile(fullPath)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to read %s: %s", path, err))
			continue
		}
		result.Files = append(result.Files, fileContentResult{Path: path, Content: string(bs)})
	}

	return json.Marshal(result)
}

func (p Provider) writeFile(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params writeFileArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}

	fullPath, err := p.resolvePath(params.Path)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(fullPath, []byte(params.Content), 0600); err != nil {
		return nil, fmt.Errorf("failed to write file with path %s: %w", params.Path, err)
	}

	return json.Marshal(statusResult{Status: fmt.Sprintf("File %s written successfully", params.Path)})
}

func (p Provider) editFile(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params editFileArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}

	fullPath, err := p.resolvePath(params.Path)
	if err != nil {
		return nil, err
	}

	bs, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file with path %s: %w", params.Path, err)
	}

	oldContent := string(bs)
	newContent := oldContent
	for _, e := range params.Edits {
		if e.OldText == "" {
			return nil, fmt.Errorf("edit for %s has empty oldText", params.Path)
		}
		if !strings.Contains(newContent, e.OldText) {
			return nil, fmt.Errorf("text to replace not found in %s: %q", params.Path, e.OldText)
		}
		newContent = strings.Replace(newContent, e.OldText, e.NewText, 1)
	}

	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(oldContent, newContent)
	diff := dmp.PatchToText(patches)

	status := fmt.Sprintf("File %s edited successfully", params.Path)
	if params.DryRun {
		status = fmt.Sprintf("Dry run for %s, no changes written", params.Path)
	} else {
		if err := os.WriteFile(fullPath, []byte(newContent), 0600); err != nil {
			return nil, fmt.Errorf("failed to write file with path %s: %w", params.Path, err)
		}
	}

	return json.Marshal(editFileResult{Status: status, Diff: diff})
}

func (p Provider) createDirectory(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params createDirectoryArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}

	fullPath, err := p.resolvePath(params.Path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(fullPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory with path %s: %w", params.Path, err)
	}

	return json.Marshal(statusResult{Status: fmt.Sprintf("Directory %s created successfully", params.Path)})
}

func (p Provider) listDirectory(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params listDirectoryArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}

	fullPath, err := p.resolvePath(params.Path)
	if err != nil {
		return nil, err
	}

	files, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory with path %s: %w", params.Path, err)
	}

	result := listDirectoryResult{Entries: make([]string, 0, len(files))}
	for _, file := range files {
		prefix := "[FILE] "
		if file.IsDir() {
			prefix = "[DIR] "
		}
		result.Entries = append(result.Entries, prefix+file.Name())
	}

	return json.Marshal(result)
}

func (p Provider) moveFile(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params moveFileArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}

	fullSource, err := p.resolvePath(params.Source)
	if err != nil {
		return nil, err
	}
	fullDestination, err := p.resolvePath(params.Destination)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(fullDestination); err == nil {
		return nil, fmt.Errorf("destination %s already exists", params.Destination)
	}

	if err := os.Rename(fullSource, fullDestination); err != nil {
		return nil, fmt.Errorf("failed to move file with path %s: %w", params.Source, err)
	}

	return json.Marshal(statusResult{
		Status: fmt.Sprintf("File %s moved to %s successfully", params.Source, params.Destination),
	})
}

func (p Provider) searchFiles(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params searchFilesArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}

	searchRoot := p.rootPaths[0]
	if params.Path != "" {
		var err error
		searchRoot, err = p.resolvePath(params.Path)
		if err != nil {
			return nil, err
		}
	}

	pattern, err := glob.Compile(params.Pattern, filepath.Separator)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", params.Pattern, err)
	}
	excludes := make([]glob.Glob, 0, len(params.Exclude))
	for _, ep := range params.Exclude {
		eg, err := glob.Compile(ep, filepath.Separator)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", ep, err)
		}
		excludes = append(excludes, eg)
	}

	var result searchFilesResult
	walkErr := filepath.WalkDir(searchRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(searchRoot, path)
		if err != nil {
			return err
		}
		if !pattern.Match(rel) {
			return nil
		}
		for _, eg := range excludes {
			if eg.Match(rel) {
				return nil
			}
		}

		result.Matches = append(result.Matches, rel)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("failed to search files: %w", walkErr)
	}

	return json.Marshal(result)
}

func (p Provider) getFileInfo(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params getFileInfoArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}

	fullPath, err := p.resolvePath(params.Path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file with path %s: %w", params.Path, err)
	}

	return json.Marshal(fileInfoResult{
		Path:    params.Path,
		Size:    info.Size(),
		Mode:    info.Mode().String(),
		ModTime: info.ModTime().Format(time.RFC3339),
		IsDir:   info.IsDir(),
	})
}

func (p Provider) listAllowedDirectories(context.Context, json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(allowedDirectoriesResult{Roots: p.rootPaths})
}
