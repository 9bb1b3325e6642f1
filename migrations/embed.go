// Package migrations embeds the shared-store schema migrations so the
// worker can apply them at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
