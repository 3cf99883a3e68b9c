// Package stores provides the SQLite persistence layer for every
// fleetwise entity and the scheduler job store. All readers filter out
// soft-deleted rows; the sync reconciler and the purge tool are the only
// consumers allowed to see them.
package stores
