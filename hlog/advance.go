package hlog

import "context"

// readOnlyTarget computes the candidate new read_only boundary: tail minus
// the configured mutable-region fraction of total capacity, clamped so it
// never regresses below the current head (spec §4.3.3).
func (l *Log) readOnlyTarget() Address {
	shrink := uint64(float64(l.Capacity()) * l.cfg.MutableFraction)
	tail := l.tail.Load()
	head := l.head.Load()
	if tail < shrink {
		return head
	}
	target := tail - shrink
	if target < head {
		target = head
	}
	return alignDown(target, l.cfg.PageSize)
}

// headTarget computes the candidate new head boundary: read_only minus the
// configured readonly-region fraction, clamped to begin.
func (l *Log) headTarget() Address {
	shrink := uint64(float64(l.Capacity()) * l.cfg.ReadonlyFraction)
	ro := l.readOnly.Load()
	begin := l.begin.Load()
	if ro < shrink {
		return begin
	}
	target := ro - shrink
	if target < begin {
		target = begin
	}
	return alignDown(target, l.cfg.PageSize)
}

func alignDown(a Address, pageSize uint64) Address {
	return a &^ (pageSize - 1)
}

// TryAdvanceReadOnly CAS-publishes a new read_only_address computed from
// the current tail. It returns the old and new boundary and whether the CAS
// succeeded; a false result means either nothing to do or a concurrent
// advancer raced ahead, and the caller should simply try again later.
func (l *Log) TryAdvanceReadOnly() (oldRO, newRO Address, advanced bool) {
	target := l.readOnlyTarget()
	old := l.readOnly.Load()
	if target <= old {
		return old, old, false
	}
	if !l.readOnly.CompareAndSwap(old, target) {
		return old, old, false
	}
	return old, target, true
}

// FlushReadyPages writes to the storage device every allocated page that
// now lies entirely within [head, read_only) and has not yet been flushed,
// then marks each PageFlushed once its write completes.
func (l *Log) FlushReadyPages(ctx context.Context) error {
	head := l.head.Load()
	readOnly := l.readOnly.Load()

	for pageStart := alignDown(head, l.cfg.PageSize); pageStart+l.cfg.PageSize <= readOnly; pageStart += l.cfg.PageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := l.pages[l.physicalIndex(pageStart)]
		if p.load() != PageAllocated || p.logicalPage.Load() != l.logicalPage(pageStart) {
			continue
		}
		buf := p.ensureAllocated(l.logicalPage(pageStart), l.cfg.PageSize)
		if err := l.device.WriteAt(ctx, pageStart, buf); err != nil {
			return err
		}
		if err := l.device.Flush(ctx, pageStart+l.cfg.PageSize); err != nil {
			return err
		}
		p.cas(PageAllocated, PageFlushed)
		if sealer, ok := l.device.(interface{ Seal(int64) }); ok {
			sealer.Seal(int64(pageStart) / int64(l.cfg.PageSize))
		}
	}
	return nil
}

// TryAdvanceHead CAS-publishes a new head_address computed from the current
// read_only boundary, but only as far as pages that are already flushed.
func (l *Log) TryAdvanceHead() (oldHead, newHead Address, advanced bool) {
	target := l.headTarget()
	old := l.head.Load()
	if target <= old {
		return old, old, false
	}
	// Never advance past a page that hasn't finished flushing: clamp
	// target down to the first not-yet-flushed page.
	for pageStart := alignDown(old, l.cfg.PageSize); pageStart < target; pageStart += l.cfg.PageSize {
		p := l.pages[l.physicalIndex(pageStart)]
		if p.load() != PageFlushed || p.logicalPage.Load() != l.logicalPage(pageStart) {
			target = pageStart
			break
		}
	}
	if target <= old {
		return old, old, false
	}
	if !l.head.CompareAndSwap(old, target) {
		return old, old, false
	}
	return old, target, true
}

// EvictBehindHead transitions every flushed page now fully below head into
// PageClosed and defers its actual release (return to PageFree) until the
// current epoch has drained, so a reader that observed the old head still
// sees valid bytes for the duration of its guard (spec §4.3.3).
func (l *Log) EvictBehindHead(oldHead, newHead Address) {
	for pageStart := alignDown(oldHead, l.cfg.PageSize); pageStart+l.cfg.PageSize <= newHead; pageStart += l.cfg.PageSize {
		p := l.pages[l.physicalIndex(pageStart)]
		if !p.cas(PageFlushed, PageClosed) {
			continue
		}
		p.store(PageEvicting)
		pp := p
		l.epoch.Defer(func() {
			pp.release()
			pp.store(PageFree)
		})
	}
}

// AdvanceBegin CAS-publishes a new begin_address, clamped to head, and
// truncates the device below it. It is driven by the garbage collector once no index entry
// references an address below newBegin (spec §4.6).
func (l *Log) AdvanceBegin(ctx context.Context, newBegin Address) (bool, error) {
	old := l.begin.Load()
	if newBegin <= old {
		return false, nil
	}
	if newBegin > l.head.Load() {
		newBegin = l.head.Load()
	}
	if !l.begin.CompareAndSwap(old, newBegin) {
		return false, nil
	}
	if err := l.device.Truncate(newBegin); err != nil {
		return true, err
	}
	return true, nil
}
