// Package storage persists campaigns, delivery log entries, recipients and
// the admin audit log.
//
// Writes to campaigns and log entries are compare-and-set on a version
// column; a stale writer gets campaign.ErrVersionConflict or
// delivery.ErrVersionConflict and is expected to re-read.
package storage
