// Package fetch downloads, caches, verifies and extracts source archives.
//
// Downloads land in a shared cache keyed by the URL's basename; when two
// URLs share a basename the later one gets a URL-hash prefix, tracked by
// a sidecar file beside the cached blob. A cached file whose recorded
// checksum still matches is returned without any network traffic.
//
// Transfers retry with exponential backoff and fall back to configured
// mirror prefixes. Verification hashes the byte stream while it is
// written, so a corrupt download is deleted before it can be observed
// by callers. Extraction rejects entries that would escape the
// destination directory.
//
// VCS checkouts are out of scope: a git source is delegated to the
// optional GitClient interface and fails with ErrNoTool when none is
// configured.
package fetch
