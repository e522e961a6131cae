// Package fetch downloads tool artifacts and unpacks release archives.
package fetch
