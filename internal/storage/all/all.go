// Package all links every warehouse backend into the binary.
package all

import (
	_ "megashop/internal/storage/mssql"
	_ "megashop/internal/storage/postgres"
	_ "megashop/internal/storage/sqlite"
)
