// Package history assembles schema models into a versioned lineage: a
// predecessor chain connecting version names, validated acyclic, with a
// resolved current version (the unique chain leaf unless pinned). The
// planner walks Path to find the ordered versions between a store's
// recorded version and current.
package history
