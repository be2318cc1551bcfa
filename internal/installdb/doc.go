// Package installdb keeps the persistent registry of installed packages.
//
// The registry is line-oriented: installed.db holds one "name=version"
// line per package, the sibling depends.db holds dependency lists, and
// manifests.db maps each package to the manifest recorded at install
// time. Every mutation backs up the current files with a timestamped
// suffix, writes temporary siblings and renames them into place, so a
// crash at any point leaves either the old or the new registry intact.
// Reads are lock-free and tolerate a concurrent replace-via-rename.
package installdb
