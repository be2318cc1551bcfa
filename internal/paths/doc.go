// Package paths resolves the on-disk layout for kiln's persisted state.
//
// Defaults follow the XDG base directory specification. The CLI
// overrides the target root and the recipe roots before components are
// constructed; the other prefixes always keep their defaults.
package paths
