// Command megashop runs the sales pipeline stages: batch aggregation, the
// parquet ETL, the revenue report, the live region counter and the warehouse
// load.
package main

import (
	"context"
	"os"

	_ "megashop/internal/engine/all"
	_ "megashop/internal/storage/all"
)

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultDeps()))
}
