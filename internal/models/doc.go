// Package models defines the core domain models for fieldsync.
//
// # Models
//
//   - Client: a customer on a route, with a cached debt balance
//   - Asset: equipment placed at a client (subordinate to Client)
//   - SettlementCycle: a bounded operating period per route
//   - Settlement: one reconciliation between a route and a client
//   - Expense: a route cost, optionally attached to a cycle
//   - OutboxOperation: one pending mutation awaiting remote delivery
//   - SyncMetadata: per entity type pull/push bookkeeping
//
// # Design Principles
//
//  1. **History is truth**: a client's balance is the CurrentDebt of its most
//     recent Settlement. Client.CachedDebt is a refreshable shortcut.
//  2. **Decimal money**: all amounts are decimal.Decimal rounded to 2 places.
//  3. **ID references**: relationships use ID strings, never pointers.
//  4. **UTC time**: all timestamps are UTC and persisted as unix milliseconds.
package models
