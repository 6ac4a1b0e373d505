package tools

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/registry"
)

func newServedFS(t *testing.T) *registry.Registry {
	t.Helper()
	mem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(mem, "/srv/notes.txt", []byte("buy milk"), 0o644))
	require.NoError(t, afero.WriteFile(mem, "/srv/docs/readme.md", []byte("# Readme"), 0o644))
	require.NoError(t, afero.WriteFile(mem, "/srv/docs/.hidden", []byte("x"), 0o600))
	require.NoError(t, afero.WriteFile(mem, "/srv/logo.png", []byte{0x89, 'P', 'N', 'G'}, 0o644))
	require.NoError(t, afero.WriteFile(mem, "/secret.txt", []byte("outside"), 0o600))

	reg := registry.New()
	require.NoError(t, NewFS(mem, "/srv").Register(reg))
	return reg
}

func callMetadata(t *testing.T, reg *registry.Registry, args map[string]any) FileMetadata {
	t.Helper()
	res, err := reg.ExecuteTool(context.Background(), registry.ToolRequest{Name: FSMetadataToolName, Arguments: args})
	require.NoError(t, err)
	meta, ok := res.StructuredContent.(FileMetadata)
	require.True(t, ok)
	return meta
}

func TestFSMetadata_File(t *testing.T) {
	reg := newServedFS(t)

	meta := callMetadata(t, reg, map[string]any{"path": "notes.txt", "include_contents": true})
	assert.Equal(t, "file", meta.Type)
	assert.Equal(t, "notes.txt", meta.Name)
	assert.Equal(t, int64(8), meta.Size)
	assert.Equal(t, "text/plain", meta.MimeType)
	assert.Equal(t, "buy milk", meta.Contents)

	meta = callMetadata(t, reg, map[string]any{"path": "logo.png", "include_contents": true})
	assert.Equal(t, "image/png", meta.MimeType)
	assert.Empty(t, meta.Contents)
}

func TestFSMetadata_ContentLimit(t *testing.T) {
	reg := newServedFS(t)

	meta := callMetadata(t, reg, map[string]any{"path": "notes.txt", "include_contents": true, "max_content_size": 4.0})
	assert.Empty(t, meta.Contents)
	assert.Contains(t, meta.Error, "file too large")
}

func TestFSMetadata_Directory(t *testing.T) {
	reg := newServedFS(t)

	meta := callMetadata(t, reg, map[string]any{"path": "docs"})
	assert.Equal(t, "directory", meta.Type)
	assert.Empty(t, meta.Children)

	meta = callMetadata(t, reg, map[string]any{"path": "docs", "recursive": true})
	require.Len(t, meta.Children, 2)
	names := []string{meta.Children[0].Name, meta.Children[1].Name}
	assert.ElementsMatch(t, []string{".hidden", "readme.md"}, names)
	for _, c := range meta.Children {
		assert.Equal(t, c.Name == ".hidden", c.IsHidden)
	}
}

func TestFSMetadata_Missing(t *testing.T) {
	reg := newServedFS(t)

	res, err := reg.ExecuteTool(context.Background(), registry.ToolRequest{
		Name:      FSMetadataToolName,
		Arguments: map[string]any{"path": "nope.txt"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestFSMetadata_Traversal(t *testing.T) {
	reg := newServedFS(t)

	_, err := reg.ExecuteTool(context.Background(), registry.ToolRequest{
		Name:      FSMetadataToolName,
		Arguments: map[string]any{"path": "../secret.txt"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPathTraversal)
	assert.ErrorIs(t, err, registry.ErrExecution)
}

func TestFSMetadata_InvalidArguments(t *testing.T) {
	reg := newServedFS(t)

	_, err := reg.ExecuteTool(context.Background(), registry.ToolRequest{
		Name:      FSMetadataToolName,
		Arguments: map[string]any{"recursive": true},
	})
	assert.ErrorIs(t, err, registry.ErrInvalidParams)
}

func TestFileTemplate(t *testing.T) {
	reg := newServedFS(t)

	res, err := reg.ExecuteResource(context.Background(), registry.ReadResourceRequest{URI: "file:///notes.txt"})
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.Equal(t, "buy milk", res.Contents[0].Text)
	assert.Equal(t, "text/plain", res.Contents[0].MIMEType)
	assert.Equal(t, "file:///notes.txt", res.Contents[0].URI)

	_, err = reg.ExecuteResource(context.Background(), registry.ReadResourceRequest{URI: "file:///logo.png"})
	assert.ErrorIs(t, err, registry.ErrExecution)
}

func TestCleanPath(t *testing.T) {
	for _, p := range []string{"..", "../x", "a/../../x"} {
		_, err := cleanPath(p)
		assert.ErrorIs(t, err, ErrPathTraversal, p)
	}
	got, err := cleanPath("a/./b/../c")
	require.NoError(t, err)
	assert.Equal(t, "a/c", got)
}
