// Package artifact implements the content-addressable binary package
// cache.
//
// Packing turns a staged tree into a deterministic tar archive: entries
// sorted by path, zero mtime, numeric 0:0 ownership. Given identical
// tree contents the archive bytes are identical across hosts with the
// same compressor, and the manifest (one "<sha256>  ./<path>" line per
// regular file) is always byte-identical. A staged tree whose manifest
// matches an already-cached artifact reuses that artifact instead of
// writing a new one.
//
// Compression prefers zstd and can be configured down to xz or gzip,
// matching the archive suffix. Archives land in the cache via rename so
// readers never observe partial files.
//
// Install extracts into a private temporary directory under the target
// filesystem and copies into place, undoing the partial install on
// failure by consulting the archive's file list. Verify and Remove
// operate from the stored manifest.
package artifact
