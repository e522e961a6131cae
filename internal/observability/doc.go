// Package observability holds provisioning metrics exported as a prometheus textfile.
package observability
