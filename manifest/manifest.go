package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const (
	// WireName is the path the manifest item carries on the wire.
	WireName = "metadata.json"

	// legacyMarkerPath is how some peers label the base-folder marker.
	legacyMarkerPath = ".delete"
)

// Entry is one element of a manifest. Paths always use forward slashes; a
// trailing slash marks a directory placeholder of size 0. A marker entry
// carries only BaseFolderName and never describes a transferable item.
type Entry struct {
	Path           string
	Size           uint64
	BaseFolderName string
}

// Marker returns the base-folder marker entry for name.
func Marker(name string) Entry {
	return Entry{BaseFolderName: name}
}

// IsMarker reports whether e is the base-folder marker.
func (e Entry) IsMarker() bool {
	return e.BaseFolderName != "" && (e.Path == "" || e.Path == legacyMarkerPath)
}

// IsDir reports whether e is a directory placeholder.
func (e Entry) IsDir() bool {
	return !e.IsMarker() && strings.HasSuffix(e.Path, "/")
}

// IsFile reports whether e describes a transferable file.
func (e Entry) IsFile() bool {
	return !e.IsMarker() && e.Path != "" && !strings.HasSuffix(e.Path, "/")
}

type entryJSON struct {
	Path           *string `json:"path,omitempty"`
	Size           *uint64 `json:"size,omitempty"`
	BaseFolderName string  `json:"base_folder_name,omitempty"`
}

// MarshalJSON encodes a marker as {"base_folder_name": name} and every
// other entry as {"path": p, "size": n}.
func (e Entry) MarshalJSON() ([]byte, error) {
	if e.IsMarker() {
		return json.Marshal(entryJSON{BaseFolderName: e.BaseFolderName})
	}
	p, s := e.Path, e.Size
	return json.Marshal(entryJSON{Path: &p, Size: &s})
}

// UnmarshalJSON accepts both marker shapes in use: the bare
// {"base_folder_name"} object and the variant with path ".delete".
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw entryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Entry{BaseFolderName: raw.BaseFolderName}
	if raw.Path != nil {
		e.Path = *raw.Path
	}
	if raw.Size != nil {
		e.Size = *raw.Size
	}
	if e.IsMarker() {
		e.Path, e.Size = "", 0
	}
	return nil
}

// Item pairs a file entry with the resource that supplies its bytes.
type Item struct {
	Entry    Entry
	Resource *Resource
}

// Manifest is the ordered description of a transfer.
type Manifest struct {
	Entries []Entry
	// Items holds the transferable files in wire order. It is not encoded.
	Items []Item
}

// MarshalJSON encodes the manifest as a JSON array of entries.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	entries := m.Entries
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(entries)
}

// UnmarshalJSON decodes a JSON array of entries.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	m.Entries = entries
	m.Items = nil
	return nil
}

// Encode returns the manifest document.
func (m *Manifest) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a manifest document.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(bytes.TrimSpace(data), &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// BaseFolder returns the base folder name of a folder manifest. It prefers
// the marker and falls back to the first directory entry.
func (m *Manifest) BaseFolder() string {
	for _, e := range m.Entries {
		if e.IsMarker() {
			return e.BaseFolderName
		}
	}
	for _, e := range m.Entries {
		if e.IsDir() {
			return strings.SplitN(strings.TrimSuffix(e.Path, "/"), "/", 2)[0]
		}
	}
	return ""
}

// IsFolder reports whether the manifest describes a folder transfer.
func (m *Manifest) IsFolder() bool {
	return m.BaseFolder() != ""
}

// FileCount returns the number of file entries, skipping the marker and
// directory placeholders.
func (m *Manifest) FileCount() int {
	n := 0
	for _, e := range m.Entries {
		if e.IsFile() {
			n++
		}
	}
	return n
}

// TotalBytes sums the sizes of file entries.
func (m *Manifest) TotalBytes() uint64 {
	var total uint64
	for _, e := range m.Entries {
		if e.IsFile() {
			total += e.Size
		}
	}
	return total
}

// Save writes the manifest to name on fs atomically: the document goes to
// a temporary file in the same directory, which is then renamed into
// place. On failure nothing is left at name.
func (m *Manifest) Save(fs afero.Fs, name string) error {
	data, err := m.Encode()
	if err != nil {
		return buildErr("encode", "", err)
	}

	dir := filepath.Dir(name)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return buildErr("save", name, err)
	}

	tmp, err := afero.TempFile(fs, dir, ".metadata-*.tmp")
	if err != nil {
		return buildErr("save", name, err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = fs.Rename(tmpName, name)
	}
	if err != nil {
		_ = fs.Remove(tmpName)
		return buildErr("save", name, err)
	}
	return nil
}

// DefaultPath returns the well-known manifest location under the user
// cache directory.
func DefaultPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "datadash", WireName)
}

func joinSlash(parent, name string) string {
	if parent == "" {
		return name
	}
	return path.Join(parent, name)
}
