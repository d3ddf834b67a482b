package sessions

import (
	"sort"
	"time"
)

// FreeSlots subtracts blocking sessions from the declared slots, clipped to r.
// Fragments shorter than the slot's default duration cannot hold a standard
// booking and are dropped. The result is ordered by start time.
func FreeSlots(declared []AvailabilitySlot, blocking []*Session, r DateRange) []AvailabilitySlot {
	busy := make([]interval, 0, len(blocking))
	for _, s := range blocking {
		busy = append(busy, interval{start: s.StartTime, end: s.EndTime})
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].start.Before(busy[j].start) })

	var out []AvailabilitySlot
	for _, slot := range declared {
		clipped, ok := interval{start: slot.StartTime, end: slot.EndTime}.clip(r)
		if !ok {
			continue
		}
		minLen := time.Duration(slot.DefaultDurationMinutes) * time.Minute
		for _, frag := range clipped.subtract(busy) {
			if frag.length() <= 0 || frag.length() < minLen {
				continue
			}
			out = append(out, AvailabilitySlot{
				TherapistID:            slot.TherapistID,
				StartTime:              frag.start,
				EndTime:                frag.end,
				DefaultDurationMinutes: slot.DefaultDurationMinutes,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// containingSlot returns the declared slot that fully holds [start,end).
func containingSlot(declared []AvailabilitySlot, start, end time.Time) (AvailabilitySlot, bool) {
	for _, slot := range declared {
		if slot.Contains(start, end) {
			return slot, true
		}
	}
	return AvailabilitySlot{}, false
}

type interval struct {
	start time.Time
	end   time.Time
}

func (iv interval) length() time.Duration {
	return iv.end.Sub(iv.start)
}

func (iv interval) clip(r DateRange) (interval, bool) {
	if !r.From.IsZero() && iv.start.Before(r.From) {
		iv.start = r.From
	}
	if !r.To.IsZero() && iv.end.After(r.To) {
		iv.end = r.To
	}
	return iv, iv.end.After(iv.start)
}

// subtract expects busy sorted by start.
func (iv interval) subtract(busy []interval) []interval {
	var out []interval
	cursor := iv.start
	for _, b := range busy {
		if !b.end.After(cursor) || !b.start.Before(iv.end) {
			continue
		}
		if b.start.After(cursor) {
			out = append(out, interval{start: cursor, end: b.start})
		}
		if b.end.After(cursor) {
			cursor = b.end
		}
		if !cursor.Before(iv.end) {
			return out
		}
	}
	if cursor.Before(iv.end) {
		out = append(out, interval{start: cursor, end: iv.end})
	}
	return out
}
