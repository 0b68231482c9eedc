package detect

import "time"

// ExceptionType classifies an operational exception.
type ExceptionType string

const (
	MissingPunch ExceptionType = "MISSING_PUNCH"
	OvertimeRisk ExceptionType = "OVERTIME_RISK"
	StaffingGap  ExceptionType = "STAFFING_GAP"
)

// Severity orders exceptions for manager attention.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
)

// Rank returns the sort rank; lower is more urgent.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	default:
		return 2
	}
}

// ExceptionItem is one derived exception. Items are produced fresh on every
// scan and never stored; DueAt is an urgency deadline for UI ordering, not a
// contract with other systems.
type ExceptionItem struct {
	Type     ExceptionType `json:"type"`
	Severity Severity      `json:"severity"`

	EmployeeID   string `json:"employee_id,omitempty"`
	EmployeeName string `json:"employee_name,omitempty"`
	StationID    string `json:"station_id,omitempty"`
	StationName  string `json:"station_name,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
	DueAt      time.Time `json:"due_at"`

	Action  string `json:"action"`
	Context string `json:"context"`
}
