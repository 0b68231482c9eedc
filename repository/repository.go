package repository

import (
	"errors"
	"strings"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/warelabs/floortrack/realtime"
	"github.com/warelabs/floortrack/repository/models"
)

// PostgreSQL error codes surfaced to handlers.
const (
	// Class 23 — Integrity Constraint Violation
	PgErrForeignKeyViolation = "23503" // foreign_key_violation
	PgErrUniqueViolation     = "23505" // unique_violation
	PgErrCheckViolation      = "23514" // check_violation
	PgErrNotNullViolation    = "23502" // not_null_violation

	// Class 40 — Transaction Rollback
	PgErrTransactionRollback = "40000" // transaction_rollback

	// Class 08 — Connection Exception
	PgErrConnectionException = "08000" // connection_exception
	PgErrConnectionFailure   = "08006" // connection_failure
)

// Repository error codes. Business-rule failures are recovered by handlers
// and returned as structured results; INTEGRITY_CONFLICT marks a prior
// invariant breach and is logged distinctly.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "ENTITY_NOT_FOUND"
	ErrCodeInvalidState       = "INVALID_STATE"
	ErrCodeAlreadyClockedIn   = "ALREADY_CLOCKED_IN"
	ErrCodeAlreadyAssigned    = "ALREADY_ASSIGNED"
	ErrCodeClockInRequired    = "CLOCK_IN_REQUIRED"
	ErrCodeNoStationAvailable = "NO_STATION_AVAILABLE"
	ErrCodeIntegrityConflict  = "INTEGRITY_CONFLICT"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
	ErrCodeDatabase           = "DATABASE_ERROR"
	ErrCodeCommitFailed       = "COMMIT_FAILED"
)

// RepositoryError represents an error in the repository layer.
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	return e.Code + ": " + e.Message
}

// IsBusinessRule reports whether the error is an expected rule violation
// rather than an infrastructure or integrity failure.
func (e *RepositoryError) IsBusinessRule() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeInvalidState,
		ErrCodeAlreadyClockedIn, ErrCodeAlreadyAssigned,
		ErrCodeClockInRequired, ErrCodeNoStationAvailable,
		ErrCodePermissionDenied:
		return true
	}
	return false
}

// PIN resolution sentinels, returned by PinResolver implementations.
var (
	ErrPinFormat  = errors.New("pin format invalid")
	ErrPinNoMatch = errors.New("no employee matches pin")
)

// PinResolver maps a submitted PIN to an employee identity. Implemented by
// the auth package; the ledger only needs the lookup for PinToggle.
type PinResolver interface {
	Resolve(pin string) (*models.Employee, error)
}

// Repository owns all database access: the attendance ledger, the task
// assignment tracker, and the directory reads the detection engine uses.
type Repository struct {
	db        *gorm.DB
	logger    cmtlog.Logger
	publisher realtime.Publisher
	pins      PinResolver
}

// NewRepository creates a repository without a database connection. Call
// ConnectDB (or attach a *gorm.DB with NewRepositoryWithDB in tests).
func NewRepository(logger cmtlog.Logger) *Repository {
	return &Repository{
		logger:    logger,
		publisher: realtime.Nop{},
	}
}

// NewRepositoryWithDB wraps an existing GORM connection.
func NewRepositoryWithDB(db *gorm.DB, logger cmtlog.Logger) *Repository {
	r := NewRepository(logger)
	r.db = db
	return r
}

// DB exposes the underlying GORM handle. Tests use it to load fixtures.
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// SetPublisher attaches the realtime event publisher. Publishing is
// fire-and-forget; a nil publisher disables it.
func (r *Repository) SetPublisher(p realtime.Publisher) {
	if p == nil {
		p = realtime.Nop{}
	}
	r.publisher = p
}

// SetPinResolver attaches the PIN identity resolver used by PinToggle.
func (r *Repository) SetPinResolver(p PinResolver) {
	r.pins = p
}

// ConnectDB connects to Postgres, retrying while the database comes up.
func (r *Repository) ConnectDB(dsn string) error {
	var lastErr error
	for i := 0; i < 10; i++ {
		db, err := gorm.Open(postgres.Open(dsn))
		if err == nil {
			r.db = db
			r.logger.Info("Connected to Postgres")
			return nil
		}
		lastErr = err
		r.logger.Info("Connection attempt failed", "attempt", i+1, "err", err)
		time.Sleep(2 * time.Second)
	}
	return lastErr
}

// Migrate creates the schema plus the partial unique indexes that backstop
// the single-open-row invariants. The transactional read-then-write in the
// ledger is the primary guard; these indexes reject anything that slips past
// it, including administrative corrections.
func (r *Repository) Migrate() error {
	err := r.db.AutoMigrate(
		&models.Station{},
		&models.Employee{},
		&models.TimeLog{},
		&models.TaskType{},
		&models.TaskAssignment{},
		&models.ShiftDemand{},
	)
	if err != nil {
		return err
	}

	backstops := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_time_logs_single_open
			ON time_logs (employee_id, kind)
			WHERE end_time IS NULL AND deleted_at IS NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_task_assignments_single_open
			ON task_assignments (employee_id)
			WHERE end_time IS NULL`,
	}
	for _, stmt := range backstops {
		if err := r.db.Exec(stmt).Error; err != nil {
			return err
		}
	}

	r.logger.Info("Database migration completed")
	return nil
}

// Seed loads initial floor data: stations, employees with punch PINs, task
// types, and a current-day demand window. Skips when data already exists.
func (r *Repository) Seed() error {
	var stationCount int64
	r.db.Model(&models.Station{}).Count(&stationCount)
	if stationCount > 0 {
		r.logger.Info("Seed data already exists, skipping")
		return nil
	}

	r.logger.Info("Seeding database with initial floor data")

	stations := []models.Station{
		{ID: "STN-001", Name: "Inbound Dock", IsActive: true},
		{ID: "STN-002", Name: "Pick Zone A", IsActive: true},
		{ID: "STN-003", Name: "Pack Line", IsActive: true},
		{ID: "STN-004", Name: "Outbound Dock", IsActive: true},
		{ID: "STN-005", Name: "Returns Bench", IsActive: false},
	}
	for _, station := range stations {
		if err := r.db.Create(&station).Error; err != nil {
			return err
		}
	}

	employees := []struct {
		id      string
		name    string
		pin     string
		daily   float64
		weekly  float64
		station string
	}{
		{"EMP-001", "Rosa Delgado", "4821", 8, 40, "STN-001"},
		{"EMP-002", "Imran Patel", "7430", 8, 40, "STN-002"},
		{"EMP-003", "Keiko Tanaka", "1957", 10, 50, "STN-003"},
		{"EMP-004", "Marcus Webb", "6208", 8, 40, "STN-004"},
		{"EMP-005", "Ana Sousa", "3344", 6, 30, "STN-002"},
	}
	breakAfter := 5.0
	for _, e := range employees {
		hashBytes, err := bcrypt.GenerateFromPassword([]byte(e.pin), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		hash := string(hashBytes)
		daily, weekly, station := e.daily, e.weekly, e.station
		emp := models.Employee{
			ID:                   e.id,
			Name:                 e.name,
			IsActive:             true,
			PinHash:              &hash,
			DailyHoursLimit:      &daily,
			WeeklyHoursLimit:     &weekly,
			MaxHoursWithoutBreak: &breakAfter,
			DefaultStationID:     &station,
		}
		if err := r.db.Create(&emp).Error; err != nil {
			return err
		}
	}

	taskTypes := []models.TaskType{
		{ID: "TSK-001", Name: "Unload Trailer", StationID: "STN-001", IsActive: true, EstMinutesPerUnit: 2.5},
		{ID: "TSK-002", Name: "Case Pick", StationID: "STN-002", IsActive: true, EstMinutesPerUnit: 0.8},
		{ID: "TSK-003", Name: "Pack Orders", StationID: "STN-003", IsActive: true, EstMinutesPerUnit: 1.2},
		{ID: "TSK-004", Name: "Load Trailer", StationID: "STN-004", IsActive: true, EstMinutesPerUnit: 2.0},
	}
	for _, tt := range taskTypes {
		if err := r.db.Create(&tt).Error; err != nil {
			return err
		}
	}

	dayStart := startOfDay(time.Now())
	demand := models.ShiftDemand{
		ID:                "DMD-001",
		StationID:         "STN-002",
		StartTime:         dayStart.Add(6 * time.Hour),
		EndTime:           dayStart.Add(14 * time.Hour),
		RequiredHeadcount: 3,
	}
	if err := r.db.Create(&demand).Error; err != nil {
		return err
	}

	r.logger.Info("Database seeding completed")
	return nil
}

// wrapDBError converts a driver error to a RepositoryError, preserving the
// Postgres error code when one is present. Unique violations on the backstop
// indexes are reported as integrity conflicts.
func (r *Repository) wrapDBError(err error, action string) *RepositoryError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == PgErrUniqueViolation {
			return &RepositoryError{
				Code:    ErrCodeIntegrityConflict,
				Message: "invariant backstop rejected the write, manager intervention required",
				Detail:  pgErr.Detail,
			}
		}
		return &RepositoryError{
			Code:    pgErr.Code,
			Message: pgErr.Message,
			Detail:  pgErr.Detail,
		}
	}
	// sqlite reports unique violations as plain errors.
	if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return &RepositoryError{
			Code:    ErrCodeIntegrityConflict,
			Message: "invariant backstop rejected the write, manager intervention required",
			Detail:  err.Error(),
		}
	}
	return &RepositoryError{
		Code:    ErrCodeDatabase,
		Message: "database error during " + action,
		Detail:  err.Error(),
	}
}

func (r *Repository) commit(tx *gorm.DB) *RepositoryError {
	if err := tx.Commit().Error; err != nil {
		return &RepositoryError{
			Code:    ErrCodeCommitFailed,
			Message: "failed to commit transaction",
			Detail:  err.Error(),
		}
	}
	return nil
}

func startOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
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
