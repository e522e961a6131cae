// Package tools provides host command execution used by the provisioner.
//
// Ownership boundary:
// - command execution helpers
//
// - exit status and signal classification
package tools
