// Package manifest builds the manifest document that opens every DataDash
// transfer.
//
// A manifest is a JSON array of entries:
//
//	[{"base_folder_name":"docs"},
//	 {"path":"docs/","size":0},
//	 {"path":"docs/a.txt","size":5},
//	 {"path":"docs/img/","size":0},
//	 {"path":"docs/img/b.png","size":10}]
//
// Paths use forward slashes on every platform. A trailing slash marks a
// directory placeholder. In folder mode the first entry is the base-folder
// marker, which carries no path and is skipped by [Manifest.FileCount] and
// [Manifest.TotalBytes]. Directories precede their children and children
// are visited in name order, which also fixes the wire order of the files.
//
// Selections are resolved through a [Resolver]. [FSResolver] handles plain
// paths on an afero filesystem, [URIResolver] handles file:// URIs and
// [SchemeResolver] picks between them:
//
//	b := manifest.NewBuilder(manifest.NewSchemeResolver(afero.NewOsFs()), afero.NewOsFs())
//	m, err := b.BuildFolder("/home/me/docs")
//
// A build either succeeds completely or returns a [*BuildError]; the
// persisted document is written atomically, so a failed build never leaves
// a partial manifest behind.
package manifest
