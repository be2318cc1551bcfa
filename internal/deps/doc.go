// Package deps maintains the in-memory package dependency graph.
//
// Nodes are package names; an edge A -> B means A depends on B. Build
// dependencies share the edge set with runtime dependencies because both
// must precede compilation of the dependant. Virtual names expand to
// concrete names through a caller-supplied mapping at graph build time.
//
// All adjacency lists are kept sorted so that resolution order is
// deterministic: nodes of equal rank appear in lexicographic order.
// Reference cycles are impossible by construction because the graph
// stores only names and resolves through lookups.
package deps
