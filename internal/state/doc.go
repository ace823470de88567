// Package state provides GORM-backed storage for chats and the request ledger.
package state

import "github.com/csiyang/ai-hero/internal/types"

// Compile-time interface compliance checks.
var _ types.ChatStore = (*ChatStore)(nil)
var _ types.RequestLedger = (*RequestLedger)(nil)
