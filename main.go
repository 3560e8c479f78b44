// Copyright 2025 Optiflow
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("go-fleetsync - Company-Scoped Entity Synchronization Engine")
	fmt.Println("============================================================")
	fmt.Println()
	fmt.Println("go-fleetsync keeps a local persisted cache of company-scoped entity")
	fmt.Println("collections (drivers, saved tours, charges) consistent with an")
	fmt.Println("authoritative PostgreSQL store while collaborators on the same tenant")
	fmt.Println("push concurrent changes over a realtime feed.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("  fleetsync    Engine core: bucketed in-memory state, fetch")
	fmt.Println("               orchestration, realtime reconciliation, scope tracking")
	fmt.Println("  fleetpg      PostgreSQL gateway: tenant-scoped CRUD, chunked batch")
	fmt.Println("               import, permission-fallback deletes, LISTEN/NOTIFY feed")
	fmt.Println("  fleetsqlite  Durable cache snapshots on SQLite")
	fmt.Println()
}
