package profile_test

import (
	"context"
	"testing"
	"time"

	"github.com/example/appt-scheduler/internal/classify"
	"github.com/example/appt-scheduler/internal/profile"
	"github.com/stretchr/testify/require"
)

func sample() profile.Profile {
	return profile.Profile{
		FirstName:  "Ana",
		LastName:   "Lopez",
		DOB:        time.Date(1990, 4, 12, 0, 0, 0, 0, time.UTC),
		Last4:      "1234",
		Phone:      "(940) 555-0101",
		Email:      "ana@example.com",
		PostalCode: "76201",
		Flags:      classify.Flags{CredentialExpired: true},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, sample().Validate())

	p := sample()
	p.Last4 = "12a4"
	require.Error(t, p.Validate())

	p = sample()
	p.PostalCode = "7620"
	require.Error(t, p.Validate())

	p = sample()
	p.SlotPriority = "tomorrow-ish"
	require.Error(t, p.Validate())
}

func TestMinorNeedsPermit(t *testing.T) {
	p := sample()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.False(t, p.ClassifierFlags(now).NeedsPermit)

	p.DOB = time.Date(2010, 6, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, 15, p.Age(now))
	require.True(t, p.ClassifierFlags(now).NeedsPermit)
}

func TestMemStoreVersions(t *testing.T) {
	ctx := context.Background()
	s := profile.NewMemStore()

	v1, err := s.Create(ctx, sample())
	require.NoError(t, err)
	require.NotEmpty(t, v1.ID)
	require.Equal(t, 1, v1.Version)
	require.Equal(t, profile.PriorityAny, v1.SlotPriority)

	next := v1.Revise()
	next.PostalCode = "75001"
	v2, err := s.Create(ctx, next)
	require.NoError(t, err)
	require.NotEqual(t, v1.ID, v2.ID)
	require.Equal(t, v1.ID, v2.PreviousID)
	require.Equal(t, 2, v2.Version)

	got, err := s.Get(ctx, v1.ID)
	require.NoError(t, err)
	require.Equal(t, "76201", got.PostalCode)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, profile.ErrNotFound)

	orphan := sample()
	orphan.PreviousID = "missing"
	_, err = s.Create(ctx, orphan)
	require.ErrorIs(t, err, profile.ErrNotFound)
}

func TestParsePriority(t *testing.T) {
	p, err := profile.ParsePriority(" Same_Day ")
	require.NoError(t, err)
	require.Equal(t, profile.PrioritySameDay, p)

	p, err = profile.ParsePriority("")
	require.NoError(t, err)
	require.Equal(t, profile.PriorityAny, p)
}
