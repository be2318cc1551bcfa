// Package cli defines the kiln command tree.
//
// All flag and environment parsing happens here: components receive
// fully resolved configuration values and never read the process
// environment themselves. Exit codes follow the fixed convention:
// 0 success, 1 operation failure, 2 usage error.
package cli
