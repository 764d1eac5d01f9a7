// Package stores provides persistent storage for deployment state.
//
// The SQLite store keeps four tables: state_records (one row per applied
// resource, keyed module.resource), deployment_lock (a single-row exclusive
// lock with heartbeat), events (the append-only run log), and audit
// (operator actions such as force-unlock). Schema changes ship as embedded
// golang-migrate migrations and run automatically on Init.
package stores
