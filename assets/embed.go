// Package assets embeds the default message templates and the ledger
// migrations into the binary.
package assets

import (
	"embed"
	"io/fs"
)

//go:embed templates migrations
var files embed.FS

// Templates returns the default template tree, one directory per template.
func Templates() fs.FS {
	sub, err := fs.Sub(files, "templates")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migrations returns the SQL migrations for the notification ledger.
func Migrations() fs.FS {
	sub, err := fs.Sub(files, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}
