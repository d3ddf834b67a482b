package sessions

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeSlots_SubtractsBlockingSessions(t *testing.T) {
	therapist := uuid.New()
	day := mustTime(t, "2024-01-10T00:00:00Z")
	declared := []AvailabilitySlot{
		{TherapistID: therapist, StartTime: day.Add(13 * time.Hour), EndTime: day.Add(17 * time.Hour), DefaultDurationMinutes: 60},
		{TherapistID: therapist, StartTime: day.Add(9 * time.Hour), EndTime: day.Add(12 * time.Hour), DefaultDurationMinutes: 60},
	}
	blocking := []*Session{
		{StartTime: day.Add(14 * time.Hour), EndTime: day.Add(15 * time.Hour)},
		{StartTime: day.Add(10 * time.Hour), EndTime: day.Add(11 * time.Hour)},
	}

	got := FreeSlots(declared, blocking, DateRange{From: day, To: day.Add(24 * time.Hour)})
	require.Len(t, got, 4)

	want := [][2]int{{9, 10}, {11, 12}, {13, 14}, {15, 17}}
	for i, w := range want {
		assert.Equal(t, day.Add(time.Duration(w[0])*time.Hour), got[i].StartTime, "fragment %d start", i)
		assert.Equal(t, day.Add(time.Duration(w[1])*time.Hour), got[i].EndTime, "fragment %d end", i)
		assert.Equal(t, therapist, got[i].TherapistID)
	}
}

func TestFreeSlots_DropsFragmentsShorterThanDefault(t *testing.T) {
	day := mustTime(t, "2024-01-10T00:00:00Z")
	declared := []AvailabilitySlot{
		{StartTime: day.Add(9 * time.Hour), EndTime: day.Add(12 * time.Hour), DefaultDurationMinutes: 60},
	}
	blocking := []*Session{
		{StartTime: day.Add(9*time.Hour + 30*time.Minute), EndTime: day.Add(11 * time.Hour)},
	}

	got := FreeSlots(declared, blocking, DateRange{From: day, To: day.Add(24 * time.Hour)})
	require.Len(t, got, 1)
	assert.Equal(t, day.Add(11*time.Hour), got[0].StartTime)
	assert.Equal(t, day.Add(12*time.Hour), got[0].EndTime)
}

func TestFreeSlots_FullyCoveredSlotDisappears(t *testing.T) {
	day := mustTime(t, "2024-01-10T00:00:00Z")
	declared := []AvailabilitySlot{
		{StartTime: day.Add(10 * time.Hour), EndTime: day.Add(12 * time.Hour), DefaultDurationMinutes: 120},
	}
	blocking := []*Session{
		{StartTime: day.Add(9 * time.Hour), EndTime: day.Add(11 * time.Hour)},
		{StartTime: day.Add(10 * time.Hour), EndTime: day.Add(13 * time.Hour)},
	}
	assert.Empty(t, FreeSlots(declared, blocking, DateRange{From: day, To: day.Add(24 * time.Hour)}))
}

func TestFreeSlots_ClipsToRange(t *testing.T) {
	day := mustTime(t, "2024-01-10T00:00:00Z")
	declared := []AvailabilitySlot{
		{StartTime: day.Add(8 * time.Hour), EndTime: day.Add(18 * time.Hour), DefaultDurationMinutes: 60},
	}
	got := FreeSlots(declared, nil, DateRange{From: day.Add(12 * time.Hour), To: day.Add(14 * time.Hour)})
	require.Len(t, got, 1)
	assert.Equal(t, day.Add(12*time.Hour), got[0].StartTime)
	assert.Equal(t, day.Add(14*time.Hour), got[0].EndTime)

	assert.Empty(t, FreeSlots(declared, nil, DateRange{From: day.Add(20 * time.Hour), To: day.Add(22 * time.Hour)}))
}

func TestContainingSlot(t *testing.T) {
	day := mustTime(t, "2024-01-10T00:00:00Z")
	declared := []AvailabilitySlot{{StartTime: day.Add(10 * time.Hour), EndTime: day.Add(12 * time.Hour)}}

	_, ok := containingSlot(declared, day.Add(10*time.Hour), day.Add(12*time.Hour))
	assert.True(t, ok)
	_, ok = containingSlot(declared, day.Add(11*time.Hour), day.Add(13*time.Hour))
	assert.False(t, ok)
}
