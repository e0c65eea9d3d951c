// Package all registers every engine implementation.
package all

import (
	_ "megashop/internal/engine/duckdb"
	_ "megashop/internal/engine/memory"
)
