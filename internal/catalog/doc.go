// Package catalog owns tool descriptors and the registry the provisioner reads from.
//
// Ownership boundary:
// - descriptor shape and validation
// - default linux/amd64 descriptor set
// - id-ordered registry and glob selection
package catalog
