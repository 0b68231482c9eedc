package detect

import (
	"fmt"
	"sort"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"

	"github.com/warelabs/floortrack/repository/models"
)

// Thresholds are the tunable detection parameters, sourced from operational
// configuration.
type Thresholds struct {
	// Stale break: flag after this long, escalate to critical after the
	// larger window.
	StaleBreakFlag     time.Duration
	StaleBreakCritical time.Duration

	// Overtime: "near" when worked hours reach this ratio of the limit,
	// or the final hour before it on short limits.
	NearLimitRatio float64

	// Hour limits used when an employee record has none.
	DefaultDailyHours  float64
	DefaultWeeklyHours float64

	// SLA windows per severity.
	CriticalSLA time.Duration
	HighSLA     time.Duration
}

// DefaultThresholds returns the stock detection parameters.
func DefaultThresholds() Thresholds {
	return Thresholds{
		StaleBreakFlag:     45 * time.Minute,
		StaleBreakCritical: 90 * time.Minute,
		NearLimitRatio:     0.9,
		DefaultDailyHours:  8,
		DefaultWeeklyHours: 40,
		CriticalSLA:        30 * time.Minute,
		HighSLA:            60 * time.Minute,
	}
}

// Engine is the stateless exception scanner. It only ever reads the snapshot
// it is handed; nothing it produces is persisted.
type Engine struct {
	thresholds Thresholds
	logger     cmtlog.Logger
}

// NewEngine creates a detection engine.
func NewEngine(thresholds Thresholds, logger cmtlog.Logger) *Engine {
	return &Engine{thresholds: thresholds, logger: logger}
}

// Detect runs the three detectors over the snapshot and returns their
// concatenated output ordered by severity, then by detection time (older
// first within the same severity). There is no cross-type deduplication.
func (e *Engine) Detect(snap *Snapshot) []ExceptionItem {
	items := e.detectMissingPunches(snap)
	items = append(items, e.detectOvertimeRisk(snap)...)
	items = append(items, e.detectStaffingGaps(snap)...)

	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := items[i].Severity.Rank(), items[j].Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		return items[i].DetectedAt.Before(items[j].DetectedAt)
	})

	e.logger.Info("Exception scan completed", "items", len(items))
	return items
}

// detectMissingPunches emits at most one item per employee, evaluating the
// sub-cases in priority order: open-row overlap, assignment without a work
// session, stale break, break overdue.
func (e *Engine) detectMissingPunches(snap *Snapshot) []ExceptionItem {
	var items []ExceptionItem
	flagged := make(map[string]bool)

	// Group open rows by employee and kind.
	openByEmployee := make(map[string][]models.TimeLog)
	for _, log := range snap.OpenLogs {
		openByEmployee[log.EmployeeID] = append(openByEmployee[log.EmployeeID], log)
	}

	// Sub-case 1: duplicate open rows of the same kind.
	for employeeID, logs := range openByEmployee {
		if !snap.isActiveEmployee(employeeID) {
			continue
		}
		kindCounts := make(map[string]int)
		earliest := snap.Now
		for _, log := range logs {
			kindCounts[log.Kind]++
			if log.StartTime.Before(earliest) {
				earliest = log.StartTime
			}
		}
		for kind, count := range kindCounts {
			if count < 2 {
				continue
			}
			flagged[employeeID] = true
			items = append(items, ExceptionItem{
				Type:         MissingPunch,
				Severity:     SeverityCritical,
				EmployeeID:   employeeID,
				EmployeeName: snap.employeeName(employeeID),
				DetectedAt:   earliest,
				DueAt:        snap.Now.Add(e.thresholds.CriticalSLA),
				Action:       "close duplicate punches",
				Context:      fmt.Sprintf("%d simultaneously open %s rows", count, kind),
			})
			break
		}
	}

	// Sub-case 2: open assignment with no open work session.
	hasOpenWork := func(employeeID string) bool {
		for _, log := range openByEmployee[employeeID] {
			if log.Kind == models.LogKindWork {
				return true
			}
		}
		return false
	}
	for _, assignment := range snap.OpenAssignments {
		employeeID := assignment.EmployeeID
		if flagged[employeeID] || !snap.isActiveEmployee(employeeID) {
			continue
		}
		if hasOpenWork(employeeID) {
			continue
		}
		flagged[employeeID] = true
		taskName := assignment.TaskTypeID
		if assignment.TaskType != nil {
			taskName = assignment.TaskType.Name
		}
		items = append(items, ExceptionItem{
			Type:         MissingPunch,
			Severity:     SeverityHigh,
			EmployeeID:   employeeID,
			EmployeeName: snap.employeeName(employeeID),
			DetectedAt:   assignment.StartTime,
			DueAt:        snap.Now.Add(e.thresholds.HighSLA),
			Action:       "clock the worker in or end the assignment",
			Context:      fmt.Sprintf("assigned to %s without an open work session", taskName),
		})
	}

	// Sub-case 3: open break with no open work session, long enough to be
	// stale.
	for employeeID, logs := range openByEmployee {
		if flagged[employeeID] || !snap.isActiveEmployee(employeeID) {
			continue
		}
		if hasOpenWork(employeeID) {
			continue
		}
		for _, log := range logs {
			if log.Kind != models.LogKindBreak {
				continue
			}
			elapsed := snap.Now.Sub(log.StartTime)
			if elapsed < e.thresholds.StaleBreakFlag {
				continue
			}
			severity := SeverityHigh
			due := snap.Now.Add(e.thresholds.HighSLA)
			if elapsed >= e.thresholds.StaleBreakCritical {
				severity = SeverityCritical
				due = snap.Now.Add(e.thresholds.CriticalSLA)
			}
			flagged[employeeID] = true
			items = append(items, ExceptionItem{
				Type:         MissingPunch,
				Severity:     severity,
				EmployeeID:   employeeID,
				EmployeeName: snap.employeeName(employeeID),
				DetectedAt:   log.StartTime,
				DueAt:        due,
				Action:       "close the stale break",
				Context:      fmt.Sprintf("break open for %.0f minutes with no work session", elapsed.Minutes()),
			})
			break
		}
	}

	// Sub-case 4: working past the employee's no-break limit. Measured
	// from the later of the work session start and the last break taken
	// today.
	for employeeID, logs := range openByEmployee {
		if flagged[employeeID] {
			continue
		}
		employee := snap.employee(employeeID)
		if employee == nil || employee.MaxHoursWithoutBreak == nil {
			continue
		}
		var openWork *models.TimeLog
		onBreak := false
		for i := range logs {
			switch logs[i].Kind {
			case models.LogKindWork:
				openWork = &logs[i]
			case models.LogKindBreak:
				onBreak = true
			}
		}
		if openWork == nil || onBreak {
			continue
		}
		lastRelief := openWork.StartTime
		for _, breakLog := range snap.DayBreakLogs {
			if breakLog.EmployeeID != employeeID || breakLog.EndTime == nil {
				continue
			}
			if breakLog.EndTime.After(lastRelief) {
				lastRelief = *breakLog.EndTime
			}
		}
		elapsed := snap.Now.Sub(lastRelief)
		if elapsed < hoursDuration(*employee.MaxHoursWithoutBreak) {
			continue
		}
		flagged[employeeID] = true
		items = append(items, ExceptionItem{
			Type:         MissingPunch,
			Severity:     SeverityMedium,
			EmployeeID:   employeeID,
			EmployeeName: employee.Name,
			DetectedAt:   lastRelief,
			DueAt:        endOfDay(snap.Now),
			Action:       "send the worker on break",
			Context: fmt.Sprintf("%.1fh since last break, limit %.1fh",
				elapsed.Hours(), *employee.MaxHoursWithoutBreak),
		})
	}

	return items
}

// detectOvertimeRisk flags each active employee at most once, with the
// higher of the daily and weekly severities and a context label combining
// both running totals. Open rows count up to Now.
func (e *Engine) detectOvertimeRisk(snap *Snapshot) []ExceptionItem {
	var items []ExceptionItem

	dayStart := startOfDay(snap.Now)
	weekStart := startOfWeek(snap.Now)

	for i := range snap.Employees {
		employee := &snap.Employees[i]

		var dayHours, weekHours float64
		for _, log := range snap.WeekWorkLogs {
			if log.EmployeeID != employee.ID {
				continue
			}
			dayHours += overlapHours(log, dayStart, snap.Now)
			weekHours += overlapHours(log, weekStart, snap.Now)
		}

		dailyLimit := e.thresholds.DefaultDailyHours
		if employee.DailyHoursLimit != nil {
			dailyLimit = *employee.DailyHoursLimit
		}
		weeklyLimit := e.thresholds.DefaultWeeklyHours
		if employee.WeeklyHoursLimit != nil {
			weeklyLimit = *employee.WeeklyHoursLimit
		}

		daySeverity := e.limitSeverity(dayHours, dailyLimit)
		weekSeverity := e.limitSeverity(weekHours, weeklyLimit)
		severity, ok := higherSeverity(daySeverity, weekSeverity)
		if !ok {
			continue
		}

		due := snap.Now.Add(e.thresholds.HighSLA)
		action := "adjust remaining schedule to stay under the limit"
		if severity == SeverityCritical {
			due = snap.Now.Add(e.thresholds.CriticalSLA)
			action = "clock the worker out or approve the overage"
		}

		items = append(items, ExceptionItem{
			Type:         OvertimeRisk,
			Severity:     severity,
			EmployeeID:   employee.ID,
			EmployeeName: employee.Name,
			DetectedAt:   snap.Now,
			DueAt:        due,
			Action:       action,
			Context: fmt.Sprintf("today %.1fh of %.0fh, week %.1fh of %.0fh",
				dayHours, dailyLimit, weekHours, weeklyLimit),
		})
	}

	return items
}

// limitSeverity classifies worked hours against a limit: critical at or
// over, high once inside the near band. The band opens at the near ratio of
// the limit or at the final hour before it, whichever comes first, so a
// short daily limit still warns a full hour out while long weekly limits
// follow the ratio.
func (e *Engine) limitSeverity(hours, limit float64) Severity {
	if limit <= 0 {
		return ""
	}
	if hours >= limit {
		return SeverityCritical
	}
	near := limit * e.thresholds.NearLimitRatio
	if limit > 1 && limit-1 < near {
		near = limit - 1
	}
	if hours >= near {
		return SeverityHigh
	}
	return ""
}

// detectStaffingGaps compares required headcount against occupied headcount
// for each station with demand covering Now. Occupied is the union of
// employees clocked in at the station and employees holding an open
// assignment whose task type belongs to it.
func (e *Engine) detectStaffingGaps(snap *Snapshot) []ExceptionItem {
	required := make(map[string]int)
	windowStart := make(map[string]time.Time)
	for _, demand := range snap.Demands {
		if !demand.Covers(snap.Now) {
			continue
		}
		required[demand.StationID] += demand.RequiredHeadcount
		if existing, ok := windowStart[demand.StationID]; !ok || demand.StartTime.Before(existing) {
			windowStart[demand.StationID] = demand.StartTime
		}
	}
	if len(required) == 0 {
		return nil
	}

	occupied := make(map[string]map[string]bool)
	mark := func(stationID, employeeID string) {
		if occupied[stationID] == nil {
			occupied[stationID] = make(map[string]bool)
		}
		occupied[stationID][employeeID] = true
	}
	for _, log := range snap.OpenLogs {
		if log.Kind == models.LogKindWork && log.StationID != nil {
			mark(*log.StationID, log.EmployeeID)
		}
	}
	for _, assignment := range snap.OpenAssignments {
		if assignment.TaskType != nil {
			mark(assignment.TaskType.StationID, assignment.EmployeeID)
		}
	}

	var items []ExceptionItem
	for stationID, demand := range required {
		gap := demand - len(occupied[stationID])
		if gap <= 0 {
			continue
		}
		severity := SeverityHigh
		due := snap.Now.Add(e.thresholds.HighSLA)
		if gap >= 2 {
			severity = SeverityCritical
			due = snap.Now.Add(e.thresholds.CriticalSLA)
		}
		items = append(items, ExceptionItem{
			Type:        StaffingGap,
			Severity:    severity,
			StationID:   stationID,
			StationName: snap.stationName(stationID),
			DetectedAt:  windowStart[stationID],
			DueAt:       due,
			Action:      fmt.Sprintf("move %d worker(s) to %s", gap, snap.stationName(stationID)),
			Context:     fmt.Sprintf("need %d, have %d", demand, len(occupied[stationID])),
		})
	}

	return items
}

// overlapHours returns the hours the log's interval overlaps [from, to).
// Open rows run until to.
func overlapHours(log models.TimeLog, from, to time.Time) float64 {
	start := log.StartTime
	if start.Before(from) {
		start = from
	}
	end := to
	if log.EndTime != nil && log.EndTime.Before(to) {
		end = *log.EndTime
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start).Hours()
}

func higherSeverity(a, b Severity) (Severity, bool) {
	if a == "" && b == "" {
		return "", false
	}
	if a == "" {
		return b, true
	}
	if b == "" {
		return a, true
	}
	if a.Rank() <= b.Rank() {
		return a, true
	}
	return b, true
}

func startOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, 1)
}

func hoursDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// startOfWeek returns Monday 00:00 local time for the week containing t.
func startOfWeek(t time.Time) time.Time {
	day := startOfDay(t)
	weekday := int(day.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return day.AddDate(0, 0, -(weekday - 1))
}
