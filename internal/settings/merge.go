package settings

// Merge reconciles the local record with a fetched remote copy. When the
// remote is newer its values win, except for fields named in pending, which
// still have local mutations queued and keep their local value. When the
// local copy is as new or newer it is returned unchanged. Either way the
// result is never older than remote, so merging the same remote again is a
// no-op.
func Merge(local, remote Record, pending map[string]bool) Record {
	if !remote.UpdatedAt.After(local.UpdatedAt) {
		return local
	}

	return overlay(remote, local, pending)
}

// overlay returns base with the pending fields taken from local. UpdatedAt
// stays the server's: a device clock running ahead must not outrank later
// remote writes.
func overlay(base, local Record, pending map[string]bool) Record {
	out := base
	out.OwnerID = local.OwnerID

	for _, f := range Fields {
		if pending[f] {
			copyField(&out, local, f)
		}
	}

	return out
}
