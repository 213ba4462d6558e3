package dlq

import (
	"time"

	"github.com/szibis/telemetry-governor/internal/logging"
)

func (d *DLQ) janitor() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.Expire()
		}
	}
}

// Expire deletes sealed segments created more than Retention ago, whether
// or not they were replayed. It returns the number removed.
func (d *DLQ) Expire() int {
	cutoff := d.now().Add(-d.cfg.Retention)
	var expired []SegmentInfo
	d.mu.Lock()
	kept := d.sealed[:0]
	for _, s := range d.sealed {
		if s.Created.Before(cutoff) {
			expired = append(expired, s)
			continue
		}
		kept = append(kept, s)
	}
	d.sealed = kept
	d.updateUsageLocked()
	d.mu.Unlock()

	diskAvailable.Set(float64(availableDiskSpace(d.cfg.Dir)))

	removed := 0
	for _, s := range expired {
		if err := removeFile(s.Path); err != nil {
			log.Error("failed to delete expired segment", logging.F("segment", s.ID, "error", err.Error()))
			continue
		}
		removed++
		expiredTotal.Inc()
		log.Warn("deleted expired segment before replay", logging.F(
			"segment", s.ID,
			"entries", s.Entries,
			"age", d.now().Sub(s.Created).Round(time.Second).String(),
		))
	}
	return removed
}
