package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lix/internal/file"
	"lix/internal/queue"
)

type recordingSink struct {
	mu      sync.Mutex
	writes  map[string][]byte
	deletes []string
	events  chan string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{writes: map[string][]byte{}, events: make(chan string, 256)}
}

func (s *recordingSink) Enqueue(_ context.Context, path string, data []byte, _ map[string]any) (*queue.Entry, error) {
	s.mu.Lock()
	s.writes[path] = data
	s.mu.Unlock()
	s.events <- "write " + path
	return &queue.Entry{Path: path, Data: data}, nil
}

func (s *recordingSink) EnqueueDelete(_ context.Context, path string) (*queue.Entry, error) {
	s.mu.Lock()
	s.deletes = append(s.deletes, path)
	s.mu.Unlock()
	s.events <- "delete " + path
	return &queue.Entry{Path: path, Deleted: true}, nil
}

func writeFile(t *testing.T, root, rel, content string) {
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func setupTestWorkspace(t *testing.T) (*Workspace, string) {
	root := t.TempDir()
	w, err := New(root, Options{
		Ignore:  []string{".lix/**", "**/node_modules/**", "**/*.tmp"},
		Tracked: func(p string) bool { return filepath.Ext(p) == ".json" },
	})
	require.NoError(t, err)
	return w, root
}

func TestShouldIgnore(t *testing.T) {
	w, _ := setupTestWorkspace(t)

	assert.True(t, w.ShouldIgnore("/.lix/db/000001.vlog", false))
	assert.True(t, w.ShouldIgnore("node_modules", true))
	assert.True(t, w.ShouldIgnore("/web/node_modules/pkg/a.json", false))
	assert.True(t, w.ShouldIgnore("/notes.tmp", false))
	assert.False(t, w.ShouldIgnore("/config/app.json", false))
	assert.False(t, w.ShouldIgnore("/", true))

	_, err := New(t.TempDir(), Options{Ignore: []string{"[unclosed"}})
	assert.Error(t, err)
}

func TestPaths(t *testing.T) {
	w, root := setupTestWorkspace(t)

	lp, err := w.LixPath(filepath.Join(root, "a", "b.json"))
	require.NoError(t, err)
	assert.Equal(t, "/a/b.json", lp)

	lp, err = w.LixPath("a/../c.json")
	require.NoError(t, err)
	assert.Equal(t, "/c.json", lp)

	_, err = w.LixPath("../escape.json")
	assert.Error(t, err)

	assert.Equal(t, filepath.Join(root, "a", "b.json"), w.OSPath("/a/b.json"))
	assert.Equal(t, filepath.Join(root, "x.json"), w.OSPath("/../x.json"))
}

func TestScan(t *testing.T) {
	w, root := setupTestWorkspace(t)
	writeFile(t, root, "a.json", `{"a":1}`)
	writeFile(t, root, "dir/b.json", `{"b":2}`)
	writeFile(t, root, "dir/readme.md", "# hi")
	writeFile(t, root, "node_modules/x.json", `{}`)
	writeFile(t, root, ".lix/state.json", `{}`)

	sink := newRecordingSink()
	n, err := w.Scan(context.Background(), sink)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var paths []string
	for p := range sink.writes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	assert.Equal(t, []string{"/a.json", "/dir/b.json"}, paths)
	assert.Equal(t, `{"b":2}`, string(sink.writes["/dir/b.json"]))
}

func TestCheckout(t *testing.T) {
	w, root := setupTestWorkspace(t)
	writeFile(t, root, "old.json", `{}`)
	writeFile(t, root, "same.json", `{"s":1}`)

	written, removed, err := w.Checkout(
		[]file.File{
			{ID: "1", Path: "/nested/new.json", Data: []byte(`{"n":1}`)},
			{ID: "2", Path: "/same.json", Data: []byte(`{"s":1}`)},
		},
		[]file.File{{ID: "3", Path: "/old.json"}, {ID: "2", Path: "/same.json"}, {ID: "4", Path: "/gone.json"}},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, written)
	assert.Equal(t, 2, removed)

	data, err := os.ReadFile(filepath.Join(root, "nested", "new.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(data))
	assert.NoFileExists(t, filepath.Join(root, "old.json"))
	assert.FileExists(t, filepath.Join(root, "same.json"))
}

func TestFindRoot(t *testing.T) {
	root := t.TempDir()
	_, err := Initialize(root)
	require.NoError(t, err)
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	found, err := FindRoot(nested)
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(found)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = FindRoot(t.TempDir())
	assert.Error(t, err)
}

func TestWatch(t *testing.T) {
	w, root := setupTestWorkspace(t)
	writeFile(t, root, "existing.json", `{}`)

	sink := newRecordingSink()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx, sink) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	expect := func(want string) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case got := <-sink.events:
				if got == want {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	}

	// Give the watcher time to register the root.
	require.Eventually(t, func() bool {
		writeFile(t, root, "ready.json", `{}`)
		select {
		case <-sink.events:
			return true
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	writeFile(t, root, "new.json", `{"k":1}`)
	expect("write /new.json")

	writeFile(t, root, "ignored.tmp", "x")
	writeFile(t, root, "sub/deep.json", `{"d":1}`)
	expect("write /sub/deep.json")

	require.NoError(t, os.Remove(filepath.Join(root, "existing.json")))
	expect("delete /existing.json")
}
