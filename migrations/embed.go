// Package migrations embeds the Headcount schema migrations into the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/headcount/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.Migrations = files
	database.MigrationsDir = "."
}
