// Package migrations embeds the SQL schema files into the binary so
// the engine can migrate its history store without shipping loose
// files alongside the executable.
package migrations

import (
	"embed"

	"github.com/iotix/device-engine/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "." // Files sit at the root of the embedded FS
}
