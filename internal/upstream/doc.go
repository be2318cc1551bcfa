// Package upstream detects new upstream releases and proposes recipe
// updates.
//
// Detection prefers the recipe's [update] hints (an api URL plus an
// extraction regex) and falls back to scraping the directory listing of
// the recorded source URL. Versions are compared with a segment
// compare that tolerates the non-semver strings upstream projects
// actually publish (1.2.3b, 2024-01, 1_2).
//
// A proposed update carries candidate download URLs built by
// substituting the version in the recorded URL and by probing common
// archive suffixes; the first candidate that fetches as a plausible
// archive supplies the new checksum. Applying an update goes through
// the recipe store's atomic write path, so the previous metafile is
// always recoverable from its backup.
package upstream
