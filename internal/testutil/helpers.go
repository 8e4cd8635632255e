// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test unless UPLINK_VM_TEST is set. Tests that touch
// the real kernel (nftables, routes, links) only run in a disposable VM.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("UPLINK_VM_TEST") == "" {
		t.Skip("Skipping test: requires UPLINK_VM_TEST environment")
	}
}
