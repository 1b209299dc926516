package staticfile

import (
	"bytes"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/dustin/go-humanize"
)

// allowedFileName is the filter a child name must pass to appear in a listing.
var allowedFileName = regexp.MustCompile(`^[A-Za-z0-9][-_A-Za-z0-9.]*$`)

// ListingRenderer produces HTML indexes for directories.
type ListingRenderer struct {
	// Sort orders entries by name. When false, entries appear in the order the
	// filesystem enumerates them.
	Sort bool
}

// NewListingRenderer returns a renderer with the given ordering.
func NewListingRenderer(sortEntries bool) *ListingRenderer {
	return &ListingRenderer{Sort: sortEntries}
}

type listingItem struct {
	name  string
	isDir bool
	size  int64
	known bool
}

// Render lists dirPath as a UTF-8 HTML document titled with displayPath.
// Links are relative, so the page must be served from a URI ending in '/'.
func (lr *ListingRenderer) Render(dirPath, displayPath string) ([]byte, error) {
	d, err := os.Open(dirPath)
	if err != nil {
		return nil, fmt.Errorf("could not open directory %s: %w", dirPath, err)
	}
	dirEntries, err := d.ReadDir(-1)
	d.Close()
	if err != nil {
		return nil, fmt.Errorf("could not read directory %s: %w", dirPath, err)
	}

	items := make([]listingItem, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		child := filepath.Join(dirPath, name)
		if isHiddenName(name) && !readable(child) {
			continue
		}
		if !allowedFileName.MatchString(name) {
			continue
		}
		item := listingItem{name: name}
		// Stat follows symlinks so a link to a directory lists as one.
		if fi, err := os.Stat(child); err == nil {
			item.isDir = fi.IsDir()
			item.size = fi.Size()
			item.known = true
		}
		items = append(items, item)
	}
	if lr.Sort {
		sort.Slice(items, func(i, j int) bool { return items[i].name < items[j].name })
	}

	title := html.EscapeString(displayPath)
	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\r\n")
	fmt.Fprintf(&buf, "<html><head><meta charset=\"utf-8\"><title>Index of %s</title></head><body>\r\n", title)
	fmt.Fprintf(&buf, "<h3>Index of %s</h3>\r\n", title)
	buf.WriteString("<ul><li><a href=\"../\">../</a></li>\r\n")
	for _, it := range items {
		name := html.EscapeString(it.name)
		switch {
		case it.isDir:
			fmt.Fprintf(&buf, "<li><a href=\"%s/\">%s/</a></li>\r\n", name, name)
		case it.known:
			fmt.Fprintf(&buf, "<li><a href=\"%s\">%s</a> %s</li>\r\n", name, name, humanize.IBytes(uint64(it.size)))
		default:
			fmt.Fprintf(&buf, "<li><a href=\"%s\">%s</a></li>\r\n", name, name)
		}
	}
	buf.WriteString("</ul></body></html>\r\n")
	return buf.Bytes(), nil
}
