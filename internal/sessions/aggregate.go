package sessions

import (
	"math"
	"time"
)

// Stats is a read-only projection over one user's sessions.
type Stats struct {
	Total           int     `json:"total"`
	Upcoming        int     `json:"upcoming"`
	Completed       int     `json:"completed"`
	Cancelled       int     `json:"cancelled"`
	Missed          int     `json:"missed"`
	BillableHours   float64 `json:"billable_hours"`
	TotalSpentCents int64   `json:"total_spent_cents"`
	AttendanceRate  float64 `json:"attendance_rate"`
	EngagementRate  float64 `json:"engagement_rate"`
	AverageRating   float64 `json:"average_rating"`
	RatedSessions   int     `json:"rated_sessions"`
}

// Aggregate computes Stats once per data refresh. An empty collection yields
// all-zero metrics.
func Aggregate(list []*Session, now time.Time) Stats {
	var (
		stats     Stats
		engaged   int
		attended  int
		ratingSum int
	)
	for _, s := range list {
		if s == nil {
			continue
		}
		stats.Total++
		switch s.Status {
		case StatusPendingApproval, StatusPendingPayment, StatusScheduled:
			if s.StartTime.After(now) {
				stats.Upcoming++
			}
		case StatusInProgress:
			stats.Upcoming++
		case StatusCompleted:
			stats.Completed++
			if s.PaymentConfirmed {
				stats.BillableHours += s.DurationHours()
			}
			if s.ClientJoinedAt != nil && s.TherapistJoinedAt != nil {
				attended++
			}
			if len(s.Notes) > 0 || s.Rating != nil {
				engaged++
			}
			if s.Rating != nil {
				stats.RatedSessions++
				ratingSum += *s.Rating
			}
		case StatusCancelled:
			stats.Cancelled++
		case StatusMissed:
			stats.Missed++
		}
		if s.PaymentConfirmed {
			stats.TotalSpentCents += s.PriceCents
		}
	}
	// Progress metrics look at Completed sessions only.
	if stats.Completed > 0 {
		stats.AttendanceRate = ratio(attended, stats.Completed)
		stats.EngagementRate = ratio(engaged, stats.Completed)
	}
	if stats.RatedSessions > 0 {
		stats.AverageRating = ratio(ratingSum, stats.RatedSessions)
	}
	stats.BillableHours = round2(stats.BillableHours)
	return stats
}

func ratio(num, den int) float64 {
	return round2(float64(num) / float64(den))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
