// Package api exposes the REST interface for managing pooled SSH sessions:
// opening and closing connections, running remote commands, transferring
// files, maintaining the trusted host key table, and reading session history.
package api
