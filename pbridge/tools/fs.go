// Package tools provides ready-made tools and resources for a registry.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/afero"

	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/registry"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/schema"
)

const (
	FSMetadataToolName = "fs_metadata"
	FileTemplateName   = "file"
	FileURITemplate    = "file:///{+path}"

	defaultMaxContentSize = 8192
	maxContentSize        = 1 << 20
)

var ErrPathTraversal = errors.New("tools: path escapes the filesystem root")

var fsMetadataInput = schema.MustRaw(`{
  "type": "object",
  "properties": {
    "path": {"type": "string", "description": "File or directory path, relative to the served root"},
    "include_contents": {"type": "boolean", "description": "Include the contents of text files"},
    "max_content_size": {"type": "integer", "minimum": 1, "maximum": 1048576, "description": "Largest file, in bytes, whose contents are included"},
    "recursive": {"type": "boolean", "description": "For directories, describe direct children too"}
  },
  "required": ["path"]
}`)

// FileMetadata describes a file or directory.
type FileMetadata struct {
	Path        string         `json:"path"`
	Name        string         `json:"name"`
	Type        string         `json:"type"` // "file" or "directory"
	Size        int64          `json:"size"`
	Permissions string         `json:"permissions"`
	ModifiedAt  time.Time      `json:"modified_at"`
	IsHidden    bool           `json:"is_hidden"`
	Extension   string         `json:"extension,omitempty"`
	MimeType    string         `json:"mime_type,omitempty"`
	Contents    string         `json:"contents,omitempty"`
	Children    []FileMetadata `json:"children,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// FS serves a filesystem to the model: an fs_metadata tool and a file:// resource template.
type FS struct {
	fs afero.Fs
}

// NewFS serves fsys. A non-empty root confines every path beneath it.
func NewFS(fsys afero.Fs, root string) *FS {
	if root != "" {
		fsys = afero.NewBasePathFs(fsys, root)
	}
	return &FS{fs: fsys}
}

// Register adds the fs_metadata tool and the file template to reg.
func (f *FS) Register(reg *registry.Registry) error {
	if _, err := reg.RegisterTool(registry.ToolOptions{
		Name:        FSMetadataToolName,
		Description: "Returns metadata for a file or directory, optionally with text contents",
		InputSchema: fsMetadataInput,
		Callback:    f.metadataTool,
	}); err != nil {
		return err
	}

	_, err := reg.RegisterResourceTemplate(registry.TemplateOptions{
		Name:        FileTemplateName,
		URITemplate: FileURITemplate,
		Description: "Contents of a text file",
		Callback:    f.readFile,
	})
	return err
}

func (f *FS) metadataTool(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	path, _ := args["path"].(string)
	includeContents, _ := args["include_contents"].(bool)
	recursive, _ := args["recursive"].(bool)

	limit := int64(defaultMaxContentSize)
	if n, ok := args["max_content_size"].(float64); ok && n > 0 {
		limit = min(int64(n), maxContentSize)
	}

	clean, err := cleanPath(path)
	if err != nil {
		return nil, err
	}

	meta, err := f.metadata(clean, includeContents, limit, recursive)
	if err != nil {
		// missing files are the model's problem, not the host's
		return &mcp.CallToolResult{
			IsError:           true,
			Content:           []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			StructuredContent: FileMetadata{Path: path, Error: err.Error()},
		}, nil
	}

	text, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: string(text)}},
		StructuredContent: meta,
	}, nil
}

func (f *FS) metadata(path string, includeContents bool, limit int64, recursive bool) (FileMetadata, error) {
	info, err := f.fs.Stat(path)
	if err != nil {
		return FileMetadata{}, fmt.Errorf("failed to stat path: %w", err)
	}

	meta := FileMetadata{
		Path:        path,
		Name:        info.Name(),
		Size:        info.Size(),
		Permissions: info.Mode().String(),
		ModifiedAt:  info.ModTime(),
		IsHidden:    strings.HasPrefix(info.Name(), "."),
	}

	if info.IsDir() {
		meta.Type = "directory"
		if !recursive {
			return meta, nil
		}

		entries, err := afero.ReadDir(f.fs, path)
		if err != nil {
			return meta, fmt.Errorf("failed to read directory: %w", err)
		}
		meta.Children = make([]FileMetadata, 0, len(entries))
		for _, entry := range entries {
			childPath := filepath.Join(path, entry.Name())
			child, err := f.metadata(childPath, includeContents, limit, false)
			if err != nil {
				child = FileMetadata{Path: childPath, Name: entry.Name(), Error: err.Error()}
			}
			meta.Children = append(meta.Children, child)
		}
		return meta, nil
	}

	meta.Type = "file"
	meta.Extension = filepath.Ext(path)
	meta.MimeType = mimeType(meta.Extension)

	if includeContents && isText(meta.MimeType) {
		content, err := f.readLimited(path, limit)
		if err != nil {
			meta.Error = fmt.Sprintf("failed to read contents: %v", err)
		} else {
			meta.Contents = content
		}
	}
	return meta, nil
}

func (f *FS) readFile(_ context.Context, uri string, vars map[string]string) (*mcp.ReadResourceResult, error) {
	clean, err := cleanPath(vars["path"])
	if err != nil {
		return nil, err
	}

	mt := mimeType(filepath.Ext(clean))
	if !isText(mt) {
		return nil, fmt.Errorf("tools: %s is not a text file (%s)", clean, mt)
	}
	content, err := f.readLimited(clean, maxContentSize)
	if err != nil {
		return nil, err
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{URI: uri, MIMEType: mt, Text: content}},
	}, nil
}

func (f *FS) readLimited(path string, limit int64) (string, error) {
	file, err := f.fs.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", err
	}
	if stat.Size() > limit {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", stat.Size(), limit)
	}

	b, err := io.ReadAll(io.LimitReader(file, limit))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func cleanPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", os.ErrInvalid)
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(clean, "/../") {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, path)
	}
	return clean, nil
}

var mimeTypes = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".go":   "text/x-go",
	".py":   "text/x-python",
	".sh":   "text/x-shellscript",
	".csv":  "text/csv",
	".html": "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".ts":   "application/typescript",
	".json": "application/json",
	".xml":  "application/xml",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".toml": "application/toml",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".gz":   "application/gzip",
}

func mimeType(ext string) string {
	if mt, ok := mimeTypes[strings.ToLower(ext)]; ok {
		return mt
	}
	return "application/octet-stream"
}

func isText(mt string) bool {
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	switch mt {
	case "application/javascript", "application/typescript", "application/json",
		"application/xml", "application/yaml", "application/toml":
		return true
	}
	return false
}
