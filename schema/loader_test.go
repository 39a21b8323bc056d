package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tasksObjectYAML = `name: tasks
namespace: todo
label: Tasks
fields:
  title:
    type: text
    required: true
  status:
    type: select
    options:
      - label: Open
        value: open
      - label: Done
        value: done
`

const tasksViewYAML = `name: open_tasks
object: todo__tasks
columns: [title, status]
filter: [status, "=", open]
sort: [title]
`

const extensionYAML = `name: tasks
namespace: todo
ownership: extend
priority: 10
fields:
  due:
    type: date
`

func writePackage(t *testing.T, root, name string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for fname, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fname), []byte(body), 0o644))
	}
	return dir
}

func TestLoadPackage(t *testing.T) {
	root := t.TempDir()
	dir := writePackage(t, root, "todo", map[string]string{
		"tasks.object.yml":    tasksObjectYAML,
		"open_tasks.view.yml": tasksViewYAML,
		"README.md":           "not metadata",
		"notes.txt":           "ignored",
	})

	r := NewRegistry()
	l := NewLoader(r, nil)
	id, err := l.LoadPackage(dir)
	require.NoError(t, err)
	assert.Equal(t, "todo", id)

	obj, err := r.Object("todo__tasks")
	require.NoError(t, err)
	assert.Equal(t, "Tasks", obj.Label)
	require.NotNil(t, obj.Field("status"))
	assert.Len(t, obj.Field("status").Options, 2)

	v, err := r.View("open_tasks")
	require.NoError(t, err)
	assert.Equal(t, "todo__tasks", v.Object)
	assert.Equal(t, []string{"title", "status"}, v.Columns)
}

func TestLoadDir(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "todo", map[string]string{"tasks.object.yml": tasksObjectYAML})
	writePackage(t, root, "todo_plus", map[string]string{"tasks.object.yaml": extensionYAML})
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.object.yml"), []byte(tasksObjectYAML), 0o644))

	r := NewRegistry()
	require.NoError(t, NewLoader(r, nil).LoadDir(root))

	obj, err := r.Object("todo__tasks")
	require.NoError(t, err)
	assert.NotNil(t, obj.Field("due"), "extension package merges in")

	// Files directly under the root belong to no package and are skipped.
	assert.Len(t, r.Objects(), 1)
}

func TestLoadPackageBadYAML(t *testing.T) {
	root := t.TempDir()
	dir := writePackage(t, root, "broken", map[string]string{
		"tasks.object.yml": "fields: [not, a, map",
	})

	_, err := NewLoader(NewRegistry(), nil).LoadPackage(dir)
	require.Error(t, err)
}

func TestReload(t *testing.T) {
	root := t.TempDir()
	dir := writePackage(t, root, "todo", map[string]string{"tasks.object.yml": tasksObjectYAML})

	r := NewRegistry()
	l := NewLoader(r, nil)
	_, err := l.LoadPackage(dir)
	require.NoError(t, err)

	updated := tasksObjectYAML + "  priority:\n    type: number\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.object.yml"), []byte(updated), 0o644))
	require.NoError(t, l.Reload(dir))

	obj, err := r.Object("todo__tasks")
	require.NoError(t, err)
	assert.NotNil(t, obj.Field("priority"))

	// Reload replaces as a unit: no duplicate contributors pile up.
	require.NoError(t, l.Reload(dir))
	obj, err = r.Object("todo__tasks")
	require.NoError(t, err)
	assert.Len(t, r.Objects(), 1)
	assert.NotNil(t, obj.Field("title"))
}
