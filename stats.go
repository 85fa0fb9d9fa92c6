package htcachesweep

// Stats accumulates per-worker counters during a scan. Workers keep their
// own copy and the results are merged once the pool has been joined.
type Stats struct {
	Scanned        uint64
	Enqueued       uint64
	TempDeleted    uint64
	OrphanDeleted  uint64
	CorruptDeleted uint64
	DirsRemoved    uint64
	Failed         uint64
	BytesFreed     uint64
}

// Merge adds the counters of o into s.
func (s *Stats) Merge(o Stats) {
	s.Scanned += o.Scanned
	s.Enqueued += o.Enqueued
	s.TempDeleted += o.TempDeleted
	s.OrphanDeleted += o.OrphanDeleted
	s.CorruptDeleted += o.CorruptDeleted
	s.DirsRemoved += o.DirsRemoved
	s.Failed += o.Failed
	s.BytesFreed += o.BytesFreed
}

// Deleted returns the number of temp files, orphan bodies and corrupt
// entries removed during the scan phase. A corrupt entry counts once even
// when both its header and body were removed.
func (s Stats) Deleted() uint64 {
	return s.TempDeleted + s.OrphanDeleted + s.CorruptDeleted
}
