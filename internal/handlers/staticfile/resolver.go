package staticfile

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// ErrUndecodableURI is returned by Resolve when the request path cannot be
// percent-decoded in any supported charset.
var ErrUndecodableURI = errors.New("staticfile: URI cannot be decoded")

// Rejection reasons recorded on a rejected Target.
const (
	RejectTraversal     = "parent traversal sequence"
	RejectLeadingDot    = "path starts with a dot"
	RejectTrailingDot   = "path ends with a dot"
	RejectInsecureChar  = "path contains an insecure character"
	RejectOutsideOfRoot = "resolved path leaves the document root"
)

const (
	insecureChars = `<>&"`
	separator     = string(filepath.Separator)
)

// Target is the outcome of resolving a request URI. Exactly one of Path or
// Reason is set.
type Target struct {
	// Path is the absolute filesystem path, rooted under the document root.
	Path string
	// Rel is the decoded, separator-normalized path relative to the root.
	Rel string
	// Reason explains a rejection. Empty for a safe path.
	Reason string
}

// Rejected reports whether the URI was refused.
func (t Target) Rejected() bool { return t.Reason != "" }

// IsRoot reports whether the target is the document root itself.
func (t Target) IsRoot() bool { return strings.Trim(t.Rel, separator) == "" }

// Resolver maps request URIs to paths under a document root.
// It holds no mutable state and is safe for concurrent use.
type Resolver struct {
	root     string
	realRoot string
	strict   bool
}

// NewResolver creates a Resolver for root, which must be an absolute path.
// With strict set, targets that exist are additionally resolved through
// symlinks and rejected when the real path is outside the real root.
func NewResolver(root string, strict bool) (*Resolver, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("staticfile: document root must be absolute, got '%s'", root)
	}
	r := &Resolver{root: filepath.Clean(root), strict: strict}
	if strict {
		real, err := filepath.EvalSymlinks(r.root)
		if err != nil {
			return nil, fmt.Errorf("staticfile: cannot resolve document root '%s': %w", root, err)
		}
		r.realRoot = real
	}
	return r, nil
}

// Root returns the cleaned document root.
func (r *Resolver) Root() string { return r.root }

// Resolve decodes uri and checks it against the rejection rules. The returned
// error is non-nil only when the URI cannot be decoded at all; rejected paths
// come back as a Target with a Reason.
func (r *Resolver) Resolve(uri string) (Target, error) {
	decoded, err := decodeURI(uri)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrUndecodableURI, err)
	}

	rel := strings.ReplaceAll(decoded, "/", separator)
	if reason := rejectReason(rel); reason != "" {
		return Target{Rel: rel, Reason: reason}, nil
	}
	if !strings.HasPrefix(rel, separator) {
		rel = separator + rel
	}

	// filepath.Join would clean the path; concatenation keeps the trailing
	// separator and the literal form the checks above were applied to.
	path := strings.TrimSuffix(r.root, separator) + rel
	if r.strict && !r.contained(path) {
		return Target{Rel: rel, Reason: RejectOutsideOfRoot}, nil
	}
	return Target{Path: path, Rel: rel}, nil
}

// rejectReason applies the syntactic safety rules to a separator-normalized path.
func rejectReason(p string) string {
	switch {
	case strings.Contains(p, separator+".") || strings.Contains(p, "."+separator):
		return RejectTraversal
	case strings.HasPrefix(p, "."):
		return RejectLeadingDot
	case strings.HasSuffix(p, "."):
		return RejectTrailingDot
	case strings.ContainsAny(p, insecureChars):
		return RejectInsecureChar
	}
	return ""
}

// contained reports whether the real location of path is under the real root.
// Paths that cannot be evaluated pass; classification reports them as missing.
func (r *Resolver) contained(path string) bool {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return true
	}
	return within(r.realRoot, real)
}

func within(root, p string) bool {
	if root == separator {
		return true
	}
	return p == root || strings.HasPrefix(p, root+separator)
}

// decodeURI percent-decodes the path part of uri. Decoded bytes that are not
// valid UTF-8 are reinterpreted as ISO-8859-1. Malformed escapes fail in both
// charsets and are reported as an error.
func decodeURI(uri string) (string, error) {
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		uri = uri[:i]
	}
	raw, err := url.PathUnescape(uri)
	if err != nil {
		return "", err
	}
	if utf8.ValidString(raw) {
		return raw, nil
	}
	latin1, err := charmap.ISO8859_1.NewDecoder().String(raw)
	if err != nil {
		return "", err
	}
	return latin1, nil
}
