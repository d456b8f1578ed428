// Copyright 2026 The invsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("invsync - Offline-First Inventory Synchronization")
	fmt.Println("=================================================")
	fmt.Println()
	fmt.Println("invsync lets an inventory client read and write items, containers,")
	fmt.Println("categories, locations and sources regardless of network availability:")
	fmt.Println("writes made offline are queued and replayed on reconnect, and")
	fmt.Println("conflicts with remote edits are detected and surfaced, never silently")
	fmt.Println("resolved.")
	fmt.Println()
	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("1. invsync/ - the client core")
	fmt.Println("   SQLite local replica, connectivity monitor, typed remote gateway,")
	fmt.Println("   sync orchestrator with optimistic writes and FIFO replay, conflict")
	fmt.Println("   detection and rate-limited notification.")
	fmt.Println()
	fmt.Println("2. invserver/ - the reference backend")
	fmt.Println("   Per-table REST CRUD on Postgres with owner scoping, soft deletes")
	fmt.Println("   and updated_at versioning. Run it with cmd/invsyncd:")
	fmt.Println("   DATABASE_URL=... JWT_SECRET=... go run ./cmd/invsyncd")
	fmt.Println()
}
