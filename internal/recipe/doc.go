// Package recipe locates, parses, validates and edits package metafiles.
//
// A metafile is a line-oriented document with optional [section] headers,
// key = value entries, full-line and trailing comments, and multi-line
// block values introduced by "|" and terminated by a line containing a
// single ".". Repeated keys (url_1, url_2, ...) keep their source order;
// that ordering carries the correlation between a source and its
// checksum, so the parser and the serializer both preserve it.
//
// The Store caches parsed recipes by content digest and performs every
// edit of an existing metafile through an atomic temp-and-rename path
// with timestamped backups beside the file.
package recipe
