// Package commands implements the sessiond command line: the server plus credential and
// token maintenance.
package commands
