package detect

import (
	"testing"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/require"

	"github.com/warelabs/floortrack/repository/models"
)

func newTestEngine() *Engine {
	return NewEngine(DefaultThresholds(), cmtlog.NewNopLogger())
}

func ptrFloat(f float64) *float64 { return &f }

func openWork(employeeID, stationID string, start time.Time) models.TimeLog {
	return models.TimeLog{
		EmployeeID: employeeID,
		StationID:  &stationID,
		Kind:       models.LogKindWork,
		StartTime:  start,
	}
}

func openBreak(employeeID string, start time.Time) models.TimeLog {
	return models.TimeLog{
		EmployeeID: employeeID,
		Kind:       models.LogKindBreak,
		StartTime:  start,
	}
}

func closedWork(employeeID string, start, end time.Time) models.TimeLog {
	return models.TimeLog{
		EmployeeID: employeeID,
		Kind:       models.LogKindWork,
		StartTime:  start,
		EndTime:    &end,
	}
}

// baseSnapshot pins Now to mid-week, mid-day so daily and weekly windows
// behave predictably.
func baseSnapshot() *Snapshot {
	now := time.Date(2026, time.March, 4, 14, 0, 0, 0, time.UTC) // Wednesday
	return &Snapshot{
		Now: now,
		Employees: []models.Employee{
			{ID: "EMP-001", Name: "Rosa Delgado", IsActive: true},
		},
		Stations: []models.Station{
			{ID: "STN-001", Name: "Inbound Dock", IsActive: true},
		},
	}
}

func itemsOfType(items []ExceptionItem, t ExceptionType) []ExceptionItem {
	var out []ExceptionItem
	for _, item := range items {
		if item.Type == t {
			out = append(out, item)
		}
	}
	return out
}

func TestDetectDuplicateOpenRows(t *testing.T) {
	snap := baseSnapshot()
	earlier := snap.Now.Add(-3 * time.Hour)
	snap.OpenLogs = []models.TimeLog{
		openWork("EMP-001", "STN-001", earlier),
		openWork("EMP-001", "STN-001", snap.Now.Add(-time.Hour)),
	}
	// a long stale break too, which the duplicate finding must suppress
	snap.OpenLogs = append(snap.OpenLogs, openBreak("EMP-001", snap.Now.Add(-2*time.Hour)))

	items := itemsOfType(newTestEngine().Detect(snap), MissingPunch)
	require.Len(t, items, 1)
	require.Equal(t, SeverityCritical, items[0].Severity)
	require.Equal(t, "EMP-001", items[0].EmployeeID)
	require.Equal(t, earlier, items[0].DetectedAt)
	require.Contains(t, items[0].Context, "2 simultaneously open WORK rows")
}

func TestOpenWorkAndBreakTogetherIsNormal(t *testing.T) {
	snap := baseSnapshot()
	snap.OpenLogs = []models.TimeLog{
		openWork("EMP-001", "STN-001", snap.Now.Add(-2*time.Hour)),
		openBreak("EMP-001", snap.Now.Add(-10*time.Minute)),
	}

	items := itemsOfType(newTestEngine().Detect(snap), MissingPunch)
	require.Empty(t, items)
}

func TestDetectAssignmentWithoutWorkSession(t *testing.T) {
	snap := baseSnapshot()
	start := snap.Now.Add(-30 * time.Minute)
	snap.OpenAssignments = []models.TaskAssignment{{
		ID:         "ASG-001",
		EmployeeID: "EMP-001",
		TaskTypeID: "TSK-001",
		StartTime:  start,
		TaskType:   &models.TaskType{ID: "TSK-001", Name: "Case Pick", StationID: "STN-001"},
	}}

	items := itemsOfType(newTestEngine().Detect(snap), MissingPunch)
	require.Len(t, items, 1)
	require.Equal(t, SeverityHigh, items[0].Severity)
	require.Equal(t, start, items[0].DetectedAt)
	require.Contains(t, items[0].Context, "Case Pick")
}

func TestStaleBreakEscalation(t *testing.T) {
	cases := []struct {
		name     string
		age      time.Duration
		severity Severity
		flagged  bool
	}{
		{"fresh break", 20 * time.Minute, "", false},
		{"past flag threshold", 50 * time.Minute, SeverityHigh, true},
		{"past critical threshold", 2 * time.Hour, SeverityCritical, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := baseSnapshot()
			snap.OpenLogs = []models.TimeLog{openBreak("EMP-001", snap.Now.Add(-tc.age))}

			items := itemsOfType(newTestEngine().Detect(snap), MissingPunch)
			if !tc.flagged {
				require.Empty(t, items)
				return
			}
			require.Len(t, items, 1)
			require.Equal(t, tc.severity, items[0].Severity)
		})
	}
}

func TestBreakOverdue(t *testing.T) {
	snap := baseSnapshot()
	snap.Employees[0].MaxHoursWithoutBreak = ptrFloat(5)
	workStart := snap.Now.Add(-6 * time.Hour)
	snap.OpenLogs = []models.TimeLog{openWork("EMP-001", "STN-001", workStart)}

	items := itemsOfType(newTestEngine().Detect(snap), MissingPunch)
	require.Len(t, items, 1)
	require.Equal(t, SeverityMedium, items[0].Severity)
	require.Equal(t, workStart, items[0].DetectedAt)
	// due at end of day
	require.Equal(t, time.Date(2026, time.March, 5, 0, 0, 0, 0, time.UTC), items[0].DueAt)

	// a break taken two hours ago resets the clock
	breakEnd := snap.Now.Add(-2 * time.Hour)
	snap.DayBreakLogs = []models.TimeLog{{
		EmployeeID: "EMP-001",
		Kind:       models.LogKindBreak,
		StartTime:  breakEnd.Add(-15 * time.Minute),
		EndTime:    &breakEnd,
	}}
	items = itemsOfType(newTestEngine().Detect(snap), MissingPunch)
	require.Empty(t, items)
}

func TestOvertimeDailyThresholds(t *testing.T) {
	cases := []struct {
		name     string
		hours    time.Duration
		severity Severity
		flagged  bool
	}{
		{"under near band", 6*time.Hour + 45*time.Minute, "", false},
		{"final hour before the limit", 7 * time.Hour, SeverityHigh, true},
		{"near daily limit", 7*time.Hour + 15*time.Minute, SeverityHigh, true},
		{"at daily limit", 8 * time.Hour, SeverityCritical, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := baseSnapshot()
			snap.Employees[0].DailyHoursLimit = ptrFloat(8)
			snap.WeekWorkLogs = []models.TimeLog{
				closedWork("EMP-001", snap.Now.Add(-tc.hours), snap.Now),
			}

			items := itemsOfType(newTestEngine().Detect(snap), OvertimeRisk)
			if !tc.flagged {
				require.Empty(t, items)
				return
			}
			require.Len(t, items, 1)
			require.Equal(t, tc.severity, items[0].Severity)
			require.Contains(t, items[0].Context, "today")
			require.Contains(t, items[0].Context, "week")
		})
	}
}

func TestOvertimeWeeklyUsesHigherSeverity(t *testing.T) {
	snap := baseSnapshot()
	snap.Employees[0].DailyHoursLimit = ptrFloat(8)
	snap.Employees[0].WeeklyHoursLimit = ptrFloat(40)

	// 4h today (no daily flag) on top of 38h earlier in the week: weekly
	// total 42h is over the limit
	monday := time.Date(2026, time.March, 2, 6, 0, 0, 0, time.UTC)
	snap.WeekWorkLogs = []models.TimeLog{
		closedWork("EMP-001", monday, monday.Add(38*time.Hour)),
		closedWork("EMP-001", snap.Now.Add(-4*time.Hour), snap.Now),
	}

	items := itemsOfType(newTestEngine().Detect(snap), OvertimeRisk)
	require.Len(t, items, 1)
	require.Equal(t, SeverityCritical, items[0].Severity)
}

func TestOvertimeClipsRowsToWindows(t *testing.T) {
	snap := baseSnapshot()
	snap.Employees[0].DailyHoursLimit = ptrFloat(8)

	// an open row that started yesterday evening only counts today's part
	// toward the daily total: 14h of it fall on today
	yesterdayEvening := time.Date(2026, time.March, 3, 20, 0, 0, 0, time.UTC)
	snap.WeekWorkLogs = []models.TimeLog{openWork("EMP-001", "STN-001", yesterdayEvening)}

	items := itemsOfType(newTestEngine().Detect(snap), OvertimeRisk)
	require.Len(t, items, 1)
	require.Contains(t, items[0].Context, "today 14.0h")
	require.Contains(t, items[0].Context, "week 18.0h")
}

func TestStaffingGap(t *testing.T) {
	snap := baseSnapshot()
	snap.Employees = append(snap.Employees,
		models.Employee{ID: "EMP-002", Name: "Imran Patel", IsActive: true},
	)
	windowStart := snap.Now.Add(-2 * time.Hour)
	snap.Demands = []models.ShiftDemand{{
		ID:                "DMD-001",
		StationID:         "STN-001",
		StartTime:         windowStart,
		EndTime:           snap.Now.Add(2 * time.Hour),
		RequiredHeadcount: 3,
	}}
	// one worker clocked in at the station, another holding an assignment
	// whose task type belongs to it
	snap.OpenLogs = []models.TimeLog{openWork("EMP-001", "STN-001", snap.Now.Add(-time.Hour))}
	snap.OpenAssignments = []models.TaskAssignment{{
		ID:         "ASG-001",
		EmployeeID: "EMP-002",
		TaskTypeID: "TSK-001",
		StartTime:  snap.Now.Add(-time.Hour),
		TaskType:   &models.TaskType{ID: "TSK-001", Name: "Unload Trailer", StationID: "STN-001"},
	}}
	// EMP-002 also has an open work row, so the assignment sub-case stays
	// quiet and only the gap is reported
	snap.OpenLogs = append(snap.OpenLogs, openWork("EMP-002", "STN-001", snap.Now.Add(-time.Hour)))

	items := itemsOfType(newTestEngine().Detect(snap), StaffingGap)
	require.Len(t, items, 1)
	require.Equal(t, SeverityHigh, items[0].Severity)
	require.Equal(t, "STN-001", items[0].StationID)
	require.Equal(t, "Inbound Dock", items[0].StationName)
	require.Equal(t, windowStart, items[0].DetectedAt)
	require.Contains(t, items[0].Context, "need 3, have 2")
}

func TestStaffingGapOfTwoIsCritical(t *testing.T) {
	snap := baseSnapshot()
	snap.Demands = []models.ShiftDemand{{
		ID:                "DMD-001",
		StationID:         "STN-001",
		StartTime:         snap.Now.Add(-time.Hour),
		EndTime:           snap.Now.Add(time.Hour),
		RequiredHeadcount: 2,
	}}

	items := itemsOfType(newTestEngine().Detect(snap), StaffingGap)
	require.Len(t, items, 1)
	require.Equal(t, SeverityCritical, items[0].Severity)
}

func TestExpiredDemandIgnored(t *testing.T) {
	snap := baseSnapshot()
	snap.Demands = []models.ShiftDemand{{
		ID:                "DMD-001",
		StationID:         "STN-001",
		StartTime:         snap.Now.Add(-4 * time.Hour),
		EndTime:           snap.Now.Add(-2 * time.Hour),
		RequiredHeadcount: 5,
	}}

	items := itemsOfType(newTestEngine().Detect(snap), StaffingGap)
	require.Empty(t, items)
}

func TestInactiveEmployeeNeverFlagged(t *testing.T) {
	snap := baseSnapshot()
	snap.Employees = nil // EMP-001 no longer active
	snap.OpenLogs = []models.TimeLog{
		openWork("EMP-001", "STN-001", snap.Now.Add(-2*time.Hour)),
		openWork("EMP-001", "STN-001", snap.Now.Add(-time.Hour)),
	}

	items := newTestEngine().Detect(snap)
	require.Empty(t, itemsOfType(items, MissingPunch))
	require.Empty(t, itemsOfType(items, OvertimeRisk))
}

func TestItemsSortedBySeverityThenAge(t *testing.T) {
	snap := baseSnapshot()
	snap.Employees = append(snap.Employees,
		models.Employee{ID: "EMP-002", Name: "Imran Patel", IsActive: true},
		models.Employee{ID: "EMP-003", Name: "Keiko Tanaka", IsActive: true},
	)
	// EMP-001: stale break past critical, started 3h ago
	snap.OpenLogs = []models.TimeLog{openBreak("EMP-001", snap.Now.Add(-3*time.Hour))}
	// EMP-002: duplicate open rows, older onset
	snap.OpenLogs = append(snap.OpenLogs,
		openWork("EMP-002", "STN-001", snap.Now.Add(-5*time.Hour)),
		openWork("EMP-002", "STN-001", snap.Now.Add(-4*time.Hour)),
	)
	// EMP-003: assignment without work session
	snap.OpenAssignments = []models.TaskAssignment{{
		ID:         "ASG-001",
		EmployeeID: "EMP-003",
		TaskTypeID: "TSK-001",
		StartTime:  snap.Now.Add(-time.Hour),
		TaskType:   &models.TaskType{ID: "TSK-001", Name: "Case Pick", StationID: "STN-001"},
	}}

	items := newTestEngine().Detect(snap)
	require.Len(t, items, 3)
	// critical items first, older onset ahead of newer
	require.Equal(t, "EMP-002", items[0].EmployeeID)
	require.Equal(t, SeverityCritical, items[0].Severity)
	require.Equal(t, "EMP-001", items[1].EmployeeID)
	require.Equal(t, SeverityCritical, items[1].Severity)
	require.Equal(t, "EMP-003", items[2].EmployeeID)
	require.Equal(t, SeverityHigh, items[2].Severity)
}

func TestSLADueStamps(t *testing.T) {
	thresholds := DefaultThresholds()
	engine := NewEngine(thresholds, cmtlog.NewNopLogger())

	snap := baseSnapshot()
	snap.OpenLogs = []models.TimeLog{openBreak("EMP-001", snap.Now.Add(-2*time.Hour))}

	items := engine.Detect(snap)
	require.Len(t, items, 1)
	require.Equal(t, SeverityCritical, items[0].Severity)
	require.Equal(t, snap.Now.Add(thresholds.CriticalSLA), items[0].DueAt)
}
