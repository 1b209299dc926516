package staticfile

import (
	"os"
	"path/filepath"
	"strings"
)

// Kind is the filesystem classification of a resolved path.
type Kind int

const (
	Missing Kind = iota
	Hidden
	Directory
	RegularFile
	NotRegularOrDirectory
)

func (k Kind) String() string {
	switch k {
	case Missing:
		return "missing"
	case Hidden:
		return "hidden"
	case Directory:
		return "directory"
	case RegularFile:
		return "regular_file"
	case NotRegularOrDirectory:
		return "not_regular_or_directory"
	default:
		return "unknown"
	}
}

// Entry is a snapshot of a path taken at the moment of classification.
// It is not cached; concurrent filesystem changes may invalidate it.
type Entry struct {
	Path string
	Kind Kind
	Size int64 // only meaningful for RegularFile
}

// Classify stats path and reports what it is. A final name beginning with a
// dot is Hidden regardless of whether it exists. Any stat failure is Missing.
func Classify(path string) Entry {
	return classify(path, true)
}

func classify(path string, checkHidden bool) Entry {
	e := Entry{Path: path, Kind: Missing}
	if checkHidden && isHiddenName(filepath.Base(filepath.Clean(path))) {
		e.Kind = Hidden
		return e
	}
	fi, err := os.Stat(path)
	if err != nil {
		return e
	}
	switch {
	case fi.IsDir():
		e.Kind = Directory
	case fi.Mode().IsRegular():
		e.Kind = RegularFile
		e.Size = fi.Size()
	default:
		e.Kind = NotRegularOrDirectory
	}
	return e
}

func isHiddenName(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
