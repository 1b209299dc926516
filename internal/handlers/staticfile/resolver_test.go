package staticfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T, strict bool) (*Resolver, string) {
	t.Helper()
	root := t.TempDir()
	r, err := NewResolver(root, strict)
	require.NoError(t, err)
	return r, r.Root()
}

func TestResolve_Rejections(t *testing.T) {
	r, _ := newTestResolver(t, false)

	tests := []struct {
		uri    string
		reason string
	}{
		{"/../../etc/passwd", RejectTraversal},
		{"/../etc", RejectTraversal},
		{"/a/../b", RejectTraversal},
		{"/a/./b", RejectTraversal},
		{"/%2e%2e/etc/passwd", RejectTraversal},
		{"/.secret", RejectTraversal},
		{"/docs/.git/config", RejectTraversal},
		{"..", RejectLeadingDot},
		{"/file.", RejectTrailingDot},
		{"/a<b", RejectInsecureChar},
		{"/a>b", RejectInsecureChar},
		{"/a&b", RejectInsecureChar},
		{`/a"b`, RejectInsecureChar},
		{"/x%3Cscript%3E", RejectInsecureChar},
		{"/q%26a", RejectInsecureChar},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			target, err := r.Resolve(tt.uri)
			require.NoError(t, err)
			assert.True(t, target.Rejected())
			assert.Equal(t, tt.reason, target.Reason)
			assert.Empty(t, target.Path)
		})
	}
}

func TestResolve_SafePathsAreRootedUnderRoot(t *testing.T) {
	r, root := newTestResolver(t, false)

	uris := []string{
		"/",
		"/notes.txt",
		"/docs/",
		"/docs/readme.md",
		"/a+b.txt",
		"/with%20space.txt",
		"/caf%C3%A9",
		"/deep/nested/path/file.tar.gz",
		"/notes.txt?download=1",
		"relative.txt",
	}
	for _, uri := range uris {
		t.Run(uri, func(t *testing.T) {
			target, err := r.Resolve(uri)
			require.NoError(t, err)
			require.False(t, target.Rejected(), "unexpected rejection: %s", target.Reason)
			assert.True(t, strings.HasPrefix(target.Path, root+string(filepath.Separator)),
				"path %q is not under root %q", target.Path, root)
		})
	}
}

func TestResolve_PathShape(t *testing.T) {
	r, root := newTestResolver(t, false)
	sep := string(filepath.Separator)

	target, err := r.Resolve("/")
	require.NoError(t, err)
	assert.Equal(t, root+sep, target.Path)
	assert.True(t, target.IsRoot())

	target, err = r.Resolve("/docs/sub/")
	require.NoError(t, err)
	assert.Equal(t, root+sep+"docs"+sep+"sub"+sep, target.Path)
	assert.False(t, target.IsRoot())

	target, err = r.Resolve("/a+b.txt")
	require.NoError(t, err)
	assert.Equal(t, root+sep+"a+b.txt", target.Path, "'+' is literal in paths")

	target, err = r.Resolve("/notes.txt?x=../../etc")
	require.NoError(t, err)
	assert.Equal(t, root+sep+"notes.txt", target.Path, "query is not part of the path")
}

func TestResolve_Charsets(t *testing.T) {
	r, root := newTestResolver(t, false)
	sep := string(filepath.Separator)

	utf, err := r.Resolve("/caf%C3%A9")
	require.NoError(t, err)
	assert.Equal(t, root+sep+"café", utf.Path)

	latin1, err := r.Resolve("/caf%E9")
	require.NoError(t, err)
	assert.Equal(t, root+sep+"café", latin1.Path)
}

func TestResolve_PlusIsLiteral(t *testing.T) {
	r, root := newTestResolver(t, false)
	sep := string(filepath.Separator)

	plus, err := r.Resolve("/a+b.txt")
	require.NoError(t, err)
	assert.Equal(t, root+sep+"a+b.txt", plus.Path)

	space, err := r.Resolve("/a%20b.txt")
	require.NoError(t, err)
	assert.Equal(t, root+sep+"a b.txt", space.Path)
}

func TestResolve_Undecodable(t *testing.T) {
	r, _ := newTestResolver(t, false)
	for _, uri := range []string{"/%zz", "/bad%", "/bad%4"} {
		_, err := r.Resolve(uri)
		require.Error(t, err, uri)
		assert.True(t, errors.Is(err, ErrUndecodableURI), uri)
	}
}

func TestResolve_StrictContainment(t *testing.T) {
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("x"), 0o644))

	for _, strict := range []bool{true, false} {
		r, root := newTestResolver(t, strict)
		require.NoError(t, os.WriteFile(filepath.Join(root, "inside.txt"), []byte("y"), 0o644))
		if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
			t.Skipf("symlinks not supported: %v", err)
		}
		require.NoError(t, os.Symlink(filepath.Join(root, "inside.txt"), filepath.Join(root, "alias.txt")))

		escaped, err := r.Resolve("/escape/secret.txt")
		require.NoError(t, err)
		if strict {
			assert.True(t, escaped.Rejected())
			assert.Equal(t, RejectOutsideOfRoot, escaped.Reason)
		} else {
			assert.False(t, escaped.Rejected())
		}

		alias, err := r.Resolve("/alias.txt")
		require.NoError(t, err)
		assert.False(t, alias.Rejected(), "symlink inside the root is allowed")

		missing, err := r.Resolve("/does-not-exist.txt")
		require.NoError(t, err)
		assert.False(t, missing.Rejected(), "missing paths are left to classification")
	}
}

func TestNewResolver_RequiresAbsoluteRoot(t *testing.T) {
	_, err := NewResolver("relative/root", false)
	assert.Error(t, err)

	_, err = NewResolver(filepath.Join(t.TempDir(), "missing"), true)
	assert.Error(t, err, "strict mode needs an existing root")
}

func TestWithin(t *testing.T) {
	sep := string(filepath.Separator)
	root := sep + "srv" + sep + "www"
	assert.True(t, within(root, root))
	assert.True(t, within(root, root+sep+"a"))
	assert.False(t, within(root, root+"-other"))
	assert.False(t, within(root, sep+"srv"))
	assert.True(t, within(sep, sep+"anything"))
}
