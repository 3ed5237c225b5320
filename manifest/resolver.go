package manifest

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// ErrNotDirectory is returned when children are requested of a file.
var ErrNotDirectory = errors.New("not a directory")

// Resource is a resolved selection: its display name, size and a way to
// open its bytes.
type Resource struct {
	ID    string
	Name  string
	Size  uint64
	IsDir bool
	open  func() (io.ReadCloser, error)
}

// NewResource builds a resource around an open function.
func NewResource(id, name string, size uint64, open func() (io.ReadCloser, error)) *Resource {
	return &Resource{ID: id, Name: name, Size: size, open: open}
}

// Open returns a fresh reader over the resource's bytes.
func (r *Resource) Open() (io.ReadCloser, error) {
	if r.IsDir {
		return nil, fmt.Errorf("open %s: is a directory", r.ID)
	}
	if r.open == nil {
		return nil, fmt.Errorf("open %s: no opener", r.ID)
	}
	return r.open()
}

// Resolver turns selection identifiers into resources. Children lists the
// identifiers inside a directory.
type Resolver interface {
	Resolve(id string) (*Resource, error)
	Children(id string) ([]string, error)
}

// FSResolver resolves plain filesystem paths.
type FSResolver struct {
	Fs afero.Fs
}

// NewFSResolver creates a resolver over fs.
func NewFSResolver(fs afero.Fs) *FSResolver {
	return &FSResolver{Fs: fs}
}

// Resolve stats the path.
func (r *FSResolver) Resolve(id string) (*Resource, error) {
	info, err := r.Fs.Stat(id)
	if err != nil {
		return nil, err
	}

	name := info.Name()
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = filepath.Base(filepath.Clean(id))
	}

	res := &Resource{ID: id, Name: name, IsDir: info.IsDir()}
	if !info.IsDir() {
		res.Size = uint64(info.Size())
		fs := r.Fs
		res.open = func() (io.ReadCloser, error) {
			return fs.Open(id)
		}
	}
	return res, nil
}

// Children returns the paths inside a directory, sorted by name.
func (r *FSResolver) Children(id string) ([]string, error) {
	infos, err := afero.ReadDir(r.Fs, id)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, filepath.Join(id, info.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// URIResolver resolves file:// URIs by delegating to a path resolver.
type URIResolver struct {
	Paths *FSResolver
}

// NewURIResolver creates a URI resolver over fs.
func NewURIResolver(fs afero.Fs) *URIResolver {
	return &URIResolver{Paths: NewFSResolver(fs)}
}

func uriToPath(id string) (string, error) {
	u, err := url.Parse(id)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("remote file host %q", u.Host)
	}
	return filepath.FromSlash(u.Path), nil
}

func pathToURI(p string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(p)}
	return u.String()
}

// Resolve resolves a file:// URI. The resource keeps the URI as its ID.
func (r *URIResolver) Resolve(id string) (*Resource, error) {
	p, err := uriToPath(id)
	if err != nil {
		return nil, err
	}
	res, err := r.Paths.Resolve(p)
	if err != nil {
		return nil, err
	}
	res.ID = id
	if res.Name == "" || res.Name == "." {
		res.Name = path.Base(strings.TrimSuffix(id, "/"))
	}
	return res, nil
}

// Children returns the child URIs of a directory URI.
func (r *URIResolver) Children(id string) ([]string, error) {
	p, err := uriToPath(id)
	if err != nil {
		return nil, err
	}
	paths, err := r.Paths.Children(p)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(paths))
	for i, child := range paths {
		out[i] = pathToURI(child)
	}
	return out, nil
}

// SchemeResolver dispatches on the identifier: anything with a URI scheme
// goes to URI, everything else to Path.
type SchemeResolver struct {
	Path Resolver
	URI  Resolver
}

// NewSchemeResolver returns a resolver handling both plain paths and
// file:// URIs on fs.
func NewSchemeResolver(fs afero.Fs) *SchemeResolver {
	return &SchemeResolver{Path: NewFSResolver(fs), URI: NewURIResolver(fs)}
}

func (r *SchemeResolver) pick(id string) Resolver {
	if strings.Contains(id, "://") {
		return r.URI
	}
	return r.Path
}

// Resolve resolves id with the matching resolver.
func (r *SchemeResolver) Resolve(id string) (*Resource, error) {
	return r.pick(id).Resolve(id)
}

// Children lists id with the matching resolver.
func (r *SchemeResolver) Children(id string) ([]string, error) {
	return r.pick(id).Children(id)
}
