package staging

import (
	"net/url"
	"path"
	"strings"
)

// File is a handle to a workflow input or output. The URL scheme decides
// whether staging is needed: anything other than a bare path or file://
// is remote.
type File struct {
	// URL is the handle exactly as the user supplied it.
	URL string

	scheme   string
	netloc   string
	path     string
	filename string
}

// NewFile parses url into a file handle. Bare paths get the file scheme.
func NewFile(rawurl string) *File {
	f := &File{URL: rawurl}
	parsed, err := url.Parse(rawurl)
	if err != nil || parsed.Scheme == "" {
		f.scheme = "file"
		f.path = rawurl
	} else {
		f.scheme = strings.ToLower(parsed.Scheme)
		f.netloc = parsed.Host
		f.path = parsed.Path
	}
	f.filename = path.Base(f.path)
	return f
}

// Scheme returns the handle's URL scheme.
func (f *File) Scheme() string { return f.scheme }

// Remote reports whether the file needs staging before local use.
func (f *File) Remote() bool { return f.scheme != "file" }

// Filepath is the local path a task reads or writes. For remote files it
// is the staged local name.
func (f *File) Filepath() string {
	if f.Remote() {
		return f.filename
	}
	return f.path
}

func (f *File) String() string { return f.URL }
