// Package store keeps the last known balance of every account together with
// the day on which the account last completed a full re-authentication.
//
// # Overview
//
// The Store is an in-memory map guarded by a read/write mutex and backed by a
// pluggable Backend that persists one entry per account:
//
//   - MemoryBackend: process-local, used by tests and embedding
//   - FileBackend:   JSON file written atomically (temp file + rename)
//   - RedisBackend:  one key per account (balance:account:<id>), no TTL
//   - SQLiteBackend: account_balances table with upsert
//
// Entries are created on the first successful query for an account and
// overwritten by every later success. They are never deleted automatically.
//
// # Re-authentication day
//
// NeedsFullReauth compares the stored LastFullReauthDate with the current
// cycle day. The cycle day is the local calendar date shifted back by the
// configured rollover hour, so with a rollover hour of 8 the period from
// 00:00 to 07:59 still belongs to the previous day:
//
//	st, _ := store.New(ctx, backend, store.WithRolloverHour(8))
//	st.Today() // "2026-01-04" at 2026-01-05 07:30 local time
//
// # Corrupt State
//
// A backend that cannot be read or returns malformed data does not prevent
// startup. The store logs a warning and starts empty; the next successful
// query overwrites the persisted state.
package store
