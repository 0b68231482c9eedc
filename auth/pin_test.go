package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/warelabs/floortrack/repository"
	"github.com/warelabs/floortrack/repository/models"
)

type staticSource struct {
	employees []models.Employee
}

func (s *staticSource) PinCandidates() ([]models.Employee, error) {
	return s.employees, nil
}

func hashForTest(t *testing.T, pin string) *string {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.MinCost)
	require.NoError(t, err)
	s := string(hashed)
	return &s
}

func TestResolveMatchesCorrectEmployee(t *testing.T) {
	source := &staticSource{employees: []models.Employee{
		{ID: "EMP-001", Name: "Rosa Delgado", PinHash: hashForTest(t, "4821")},
		{ID: "EMP-002", Name: "Imran Patel", PinHash: hashForTest(t, "7430")},
		{ID: "EMP-003", Name: "No Pin Nelly"},
	}}
	resolver := NewPinResolver(source)

	employee, err := resolver.Resolve("7430")
	require.NoError(t, err)
	require.Equal(t, "EMP-002", employee.ID)

	employee, err = resolver.Resolve("4821")
	require.NoError(t, err)
	require.Equal(t, "EMP-001", employee.ID)
}

func TestResolveRejectsMalformedPins(t *testing.T) {
	source := &staticSource{}
	resolver := NewPinResolver(source)

	for _, pin := range []string{"", "123", "1234567", "12a4", "4821 ", "-1234"} {
		_, err := resolver.Resolve(pin)
		require.ErrorIs(t, err, repository.ErrPinFormat, "pin %q", pin)
	}
}

func TestResolveNoMatch(t *testing.T) {
	source := &staticSource{employees: []models.Employee{
		{ID: "EMP-001", Name: "Rosa Delgado", PinHash: hashForTest(t, "4821")},
	}}
	resolver := NewPinResolver(source)

	_, err := resolver.Resolve("9999")
	require.ErrorIs(t, err, repository.ErrPinNoMatch)
}

func TestHashPIN(t *testing.T) {
	hashed, err := HashPIN("195700")
	require.NoError(t, err)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hashed), []byte("195700")))

	_, err = HashPIN("not-a-pin")
	require.ErrorIs(t, err, repository.ErrPinFormat)
}
