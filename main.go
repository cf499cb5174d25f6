// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("youtubepulse sync - Offline-First Reconciliation Core")
	fmt.Println("=====================================================")
	fmt.Println()
	fmt.Println("Two-way synchronization between a Postgres server of record and")
	fmt.Println("offline SQLite replicas of time-stamped video observations, with")
	fmt.Println("a commutative merge policy, idempotent upserts and an outbox.")
	fmt.Println()

	fmt.Println("Available Examples:")
	fmt.Println()
	fmt.Println("1. Sync Server (examples/syncserver/)")
	fmt.Println("   Full HTTP sync server: JWT auth, incremental download with")
	fmt.Println("   keyset paging, idempotent upload, reconciliation trigger")
	fmt.Println("   Run: cd examples/syncserver && go run .")
	fmt.Println()

	fmt.Println("2. Replica Client (examples/replica_client/)")
	fmt.Println("   Offline-first SQLite replica: local edits, outbox replay,")
	fmt.Println("   full download/diff/resolve/upload/verify pipeline")
	fmt.Println("   Run: cd examples/replica_client && go run .")
	fmt.Println()
}
