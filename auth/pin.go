package auth

import (
	"errors"
	"regexp"

	"golang.org/x/crypto/bcrypt"

	"github.com/warelabs/floortrack/repository"
	"github.com/warelabs/floortrack/repository/models"
)

var pinPattern = regexp.MustCompile(`^\d{4,6}$`)

// CandidateSource yields the employees a PIN may belong to.
type CandidateSource interface {
	PinCandidates() ([]models.Employee, error)
}

// PinResolver maps a raw PIN to an employee by comparing it against every
// candidate's stored hash. PINs are never persisted in clear, so there is
// no lookup by value; the scan is linear over active employees.
type PinResolver struct {
	source CandidateSource
}

// NewPinResolver creates a resolver backed by the given candidate source.
func NewPinResolver(source CandidateSource) *PinResolver {
	return &PinResolver{source: source}
}

// Resolve returns the employee whose PIN hash matches pin. A PIN that is
// not 4 to 6 digits fails fast without touching the candidate list.
func (r *PinResolver) Resolve(pin string) (*models.Employee, error) {
	if !pinPattern.MatchString(pin) {
		return nil, repository.ErrPinFormat
	}

	candidates, err := r.source.PinCandidates()
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		candidate := &candidates[i]
		if candidate.PinHash == nil {
			continue
		}
		err := bcrypt.CompareHashAndPassword([]byte(*candidate.PinHash), []byte(pin))
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, err
		}
	}
	return nil, repository.ErrPinNoMatch
}

// HashPIN hashes a raw PIN for storage. The format rule applies here too,
// so an unusable PIN is rejected before it ever reaches the database.
func HashPIN(pin string) (string, error) {
	if !pinPattern.MatchString(pin) {
		return "", repository.ErrPinFormat
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
