package manifest

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Project-Bois/DataDash-codes/limits"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Builder walks a selection and produces a manifest with its items.
type Builder struct {
	resolver Resolver
	fs       afero.Fs
	path     string
}

// NewBuilder creates a builder. Manifests are saved on fs at DefaultPath
// unless WithPath is used.
func NewBuilder(resolver Resolver, fs afero.Fs) *Builder {
	return &Builder{resolver: resolver, fs: fs, path: DefaultPath()}
}

// WithPath sets where built manifests are persisted.
func (b *Builder) WithPath(name string) *Builder {
	b.path = name
	return b
}

// Path returns where manifests are persisted.
func (b *Builder) Path() string {
	return b.path
}

// BuildFiles builds a flat manifest with one entry per selected file.
// Display names shared by several selections get an ordinal prefix
// ("2_name", "3_name") so paths stay unique.
func (b *Builder) BuildFiles(ids []string) (*Manifest, error) {
	if len(ids) == 0 {
		return nil, buildErr("build", "", ErrEmptySelection)
	}

	m := &Manifest{}
	used := make(map[string]bool, len(ids))
	for _, id := range ids {
		res, err := b.resolver.Resolve(id)
		if err != nil {
			return nil, b.fail("resolve", id, err)
		}
		if res.IsDir {
			return nil, b.fail("resolve", id, errors.New("folder selected in file mode"))
		}

		name := uniqueName(res.Name, used)
		if err := limits.ValidatePathLength(uint64(len(name))); err != nil {
			return nil, b.fail("path", id, err)
		}
		entry := Entry{Path: name, Size: res.Size}
		m.Entries = append(m.Entries, entry)
		m.Items = append(m.Items, Item{Entry: entry, Resource: res})
	}

	if err := b.persist(m); err != nil {
		return nil, err
	}
	return m, nil
}

// BuildFolder builds a folder manifest: the base-folder marker, then a
// depth-first walk where each directory precedes its children and
// children are visited in name order.
func (b *Builder) BuildFolder(id string) (*Manifest, error) {
	root, err := b.resolver.Resolve(id)
	if err != nil {
		return nil, b.fail("resolve", id, err)
	}
	if !root.IsDir {
		return nil, b.fail("resolve", id, ErrNotDirectory)
	}

	m := &Manifest{Entries: []Entry{Marker(root.Name)}}
	if err := b.walk(m, id, root.Name); err != nil {
		return nil, err
	}

	if err := b.persist(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (b *Builder) walk(m *Manifest, id, rel string) error {
	dirPath := rel + "/"
	if err := limits.ValidatePathLength(uint64(len(dirPath))); err != nil {
		return b.fail("path", id, err)
	}
	m.Entries = append(m.Entries, Entry{Path: dirPath})

	childIDs, err := b.resolver.Children(id)
	if err != nil {
		return b.fail("list", id, err)
	}

	children := make([]*Resource, 0, len(childIDs))
	for _, cid := range childIDs {
		res, err := b.resolver.Resolve(cid)
		if err != nil {
			return b.fail("resolve", cid, err)
		}
		children = append(children, res)
	}
	sort.SliceStable(children, func(i, j int) bool {
		return children[i].Name < children[j].Name
	})

	for _, child := range children {
		childRel := joinSlash(rel, child.Name)
		if child.IsDir {
			if err := b.walk(m, child.ID, childRel); err != nil {
				return err
			}
			continue
		}
		if err := limits.ValidatePathLength(uint64(len(childRel))); err != nil {
			return b.fail("path", child.ID, err)
		}
		entry := Entry{Path: childRel, Size: child.Size}
		m.Entries = append(m.Entries, entry)
		m.Items = append(m.Items, Item{Entry: entry, Resource: child})
	}
	return nil
}

func (b *Builder) persist(m *Manifest) error {
	if b.fs == nil || b.path == "" {
		return nil
	}
	if err := m.Save(b.fs, b.path); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Builder.persist",
			"path":     b.path,
			"error":    err.Error(),
		}).Error("Failed to persist manifest")
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Builder.persist",
		"path":        b.path,
		"entries":     len(m.Entries),
		"files":       m.FileCount(),
		"total_bytes": m.TotalBytes(),
	}).Info("Manifest created")
	return nil
}

func (b *Builder) fail(op, id string, err error) error {
	logrus.WithFields(logrus.Fields{
		"function": "Builder",
		"op":       op,
		"id":       id,
		"error":    err.Error(),
	}).Error("Manifest build failed")
	return buildErr(op, id, err)
}

func uniqueName(name string, used map[string]bool) string {
	candidate := name
	for i := 2; used[candidate]; i++ {
		candidate = fmt.Sprintf("%d_%s", i, name)
	}
	used[candidate] = true
	return candidate
}
