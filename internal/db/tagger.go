package db

// TagSnapshot tags everything a snapshot summarizes in one pass: the
// currently-latest record of every scan kind and every open ticket belonging
// to the given owners. The reference is normalized once up front, so a bad
// reference fails before any collection is touched; the per-collection
// operations are each idempotent, so the whole pass can be re-run after a
// partial failure.
func (db *DB) TagSnapshot(owners []string, snapshotRef any) error {
	snapshotID, err := NormalizeSnapshotRef(snapshotRef)
	if err != nil {
		return err
	}
	for _, kind := range AllScanKinds {
		if err := db.TagLatestScans(kind, owners, snapshotID); err != nil {
			return err
		}
	}
	return db.TagOpenTickets(owners, snapshotID)
}
