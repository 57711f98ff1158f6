package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voltgrid/portal-api/internal/apperr"
	"github.com/voltgrid/portal-api/internal/models"
)

func TestCreateInvitationStoresOnlyTokenHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.invitations.Create(ctx, admin(), CreateInvitationInput{Email: "  New.User@Example.com ", Role: "customer"})
	require.NoError(t, err)

	assert.Equal(t, "new.user@example.com", issued.Invitation.Email)
	assert.Equal(t, models.RoleCustomer, issued.Invitation.Role)
	assert.Equal(t, models.InvitationPending, issued.Invitation.Status)
	assert.Equal(t, baseTime.Add(24*time.Hour), issued.ExpiresAt)
	assert.Len(t, issued.Token, 43)

	stored, ok := f.store.Invite(issued.Invitation.ID)
	require.True(t, ok)
	assert.NotEqual(t, issued.Token, stored.TokenHash)
	assert.Equal(t, hashToken(issued.Token), stored.TokenHash)

	require.Len(t, f.dispatcher.Invitations, 1)
	assert.Equal(t, issued.Token, f.dispatcher.LastInvitationToken())
}

func TestCreateInvitationRoleRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.invitations.Create(ctx, admin(), CreateInvitationInput{Email: "a@example.com", Role: "SUPER_ADMIN"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.invitations.Create(ctx, admin(), CreateInvitationInput{Email: "a@example.com", Role: "wizard"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.invitations.Create(ctx, staff(), CreateInvitationInput{Email: "a@example.com", Role: "ADMIN"})
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	_, err = f.invitations.Create(ctx, staff(), CreateInvitationInput{Email: "a@example.com", Role: "DISTRIBUTOR"})
	assert.NoError(t, err)
}

func TestCreateInvitationConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.invite(t, "dup@example.com", models.RoleCustomer)
	_, err := f.invitations.Create(ctx, admin(), CreateInvitationInput{Email: "dup@example.com", Role: "CUSTOMER"})
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	f.seedUser(t, "member@example.com", "pw", nil)
	_, err = f.invitations.Create(ctx, admin(), CreateInvitationInput{Email: "member@example.com", Role: "CUSTOMER"})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "email_taken", e.Code)
}

func TestExpiredInvitationFreesEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.invite(t, "late@example.com", models.RoleCustomer)
	f.advance(25 * time.Hour)

	listed, err := f.invitations.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, models.InvitationExpired, listed[0].Status)

	_, err = f.invitations.Preview(ctx, first.Token)
	assert.True(t, apperr.Is(err, apperr.KindGone))

	_, err = f.invitations.Accept(ctx, first.Token)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	second, err := f.invitations.Create(ctx, admin(), CreateInvitationInput{Email: "late@example.com", Role: "CUSTOMER"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Invitation.ID, second.Invitation.ID)

	old, _ := f.store.Invite(first.Invitation.ID)
	assert.Equal(t, models.InvitationExpired, old.Status)
}

func TestPreview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued := f.invite(t, "preview@example.com", models.RoleDistributor)
	preview, err := f.invitations.Preview(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "preview@example.com", preview.Email)
	assert.Equal(t, models.RoleDistributor, preview.Role)

	_, err = f.invitations.Preview(ctx, "not-a-token")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = f.invitations.Revoke(ctx, issued.Invitation.ID)
	require.NoError(t, err)
	_, err = f.invitations.Preview(ctx, issued.Token)
	assert.True(t, apperr.Is(err, apperr.KindGone))
}

func TestEditOrResend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.invite(t, "edit@example.com", models.RoleCustomer)

	t.Run("no changes is a no-op", func(t *testing.T) {
		res, err := f.invitations.EditOrResend(ctx, admin(), issued.Invitation.ID, EditInvitationInput{})
		require.NoError(t, err)
		assert.False(t, res.Changed)
		assert.False(t, res.Resent)
		assert.Len(t, f.dispatcher.Invitations, 1)
	})

	t.Run("edit keeps token", func(t *testing.T) {
		role := "distributor"
		res, err := f.invitations.EditOrResend(ctx, admin(), issued.Invitation.ID, EditInvitationInput{Role: &role})
		require.NoError(t, err)
		assert.True(t, res.Changed)
		assert.Empty(t, res.Token)
		assert.Equal(t, models.RoleDistributor, res.Invitation.Role)

		_, err = f.invitations.Preview(ctx, issued.Token)
		assert.NoError(t, err)
	})

	t.Run("new email owned by a user", func(t *testing.T) {
		f.seedUser(t, "owner@example.com", "pw", nil)
		email := "Owner@Example.com"
		_, err := f.invitations.EditOrResend(ctx, admin(), issued.Invitation.ID, EditInvitationInput{Email: &email})
		e, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, apperr.KindConflict, e.Kind)
		assert.Equal(t, "email_taken", e.Code)
	})

	t.Run("new email with a live invitation", func(t *testing.T) {
		f.invite(t, "busy@example.com", models.RoleCustomer)
		email := "busy@example.com"
		_, err := f.invitations.EditOrResend(ctx, admin(), issued.Invitation.ID, EditInvitationInput{Email: &email})
		e, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, apperr.KindConflict, e.Kind)
		assert.Equal(t, "invitation_exists", e.Code)

		current, _ := f.store.Invite(issued.Invitation.ID)
		assert.Equal(t, "edit@example.com", current.Email)
	})

	t.Run("resend rotates token and expiry", func(t *testing.T) {
		f.advance(20 * time.Hour)
		res, err := f.invitations.EditOrResend(ctx, admin(), issued.Invitation.ID, EditInvitationInput{Resend: true})
		require.NoError(t, err)
		assert.True(t, res.Resent)
		assert.NotEqual(t, issued.Token, res.Token)
		assert.Equal(t, f.now.Add(24*time.Hour), res.Invitation.ExpiresAt)
		assert.Equal(t, models.InvitationPending, res.Invitation.Status)
		assert.Equal(t, res.Token, f.dispatcher.LastInvitationToken())

		_, err = f.invitations.Preview(ctx, issued.Token)
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("staff cannot escalate", func(t *testing.T) {
		role := "ADMIN"
		_, err := f.invitations.EditOrResend(ctx, staff(), issued.Invitation.ID, EditInvitationInput{Role: &role})
		assert.True(t, apperr.Is(err, apperr.KindAuthorization))
	})

	t.Run("accepted invitations are frozen", func(t *testing.T) {
		current, _ := f.store.Invite(issued.Invitation.ID)
		_, err := f.invitations.AcceptByID(ctx, current.ID)
		require.NoError(t, err)

		_, err = f.invitations.EditOrResend(ctx, admin(), issued.Invitation.ID, EditInvitationInput{Resend: true})
		assert.True(t, apperr.Is(err, apperr.KindValidation))
	})
}

func TestEditOrResendLeavesExpiredInvitationExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.invite(t, "stale@example.com", models.RoleCustomer)
	f.advance(25 * time.Hour)

	name := "Late"
	for _, input := range []EditInvitationInput{{Resend: true}, {Name: &name}, {}} {
		_, err := f.invitations.EditOrResend(ctx, admin(), issued.Invitation.ID, input)
		e, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, apperr.KindValidation, e.Kind)
		assert.Equal(t, "invitation_not_pending", e.Code)
	}
	assert.Len(t, f.dispatcher.Invitations, 1)

	_, err := f.invitations.Revoke(ctx, issued.Invitation.ID)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	listed, err := f.invitations.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, models.InvitationExpired, listed[0].Status)
	assert.Equal(t, issued.Invitation.ExpiresAt, listed[0].ExpiresAt)
}

func TestInvitationExpiresAtExactDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.invite(t, "deadline@example.com", models.RoleCustomer)
	f.now = issued.Invitation.ExpiresAt

	_, err := f.invitations.Preview(ctx, issued.Token)
	assert.True(t, apperr.Is(err, apperr.KindGone))

	_, err = f.invitations.Accept(ctx, issued.Token)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestRevokeOnlyPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.invite(t, "revoke@example.com", models.RoleCustomer)

	revoked, err := f.invitations.Revoke(ctx, issued.Invitation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvitationRevoked, revoked.Status)

	_, err = f.invitations.Revoke(ctx, issued.Invitation.ID)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.invitations.Revoke(ctx, uuid.NewString())
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = f.invitations.Revoke(ctx, "nope")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestAcceptIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.invite(t, "once@example.com", models.RoleCustomer)

	accepted, err := f.invitations.Accept(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, models.InvitationAccepted, accepted.Status)
	require.NotNil(t, accepted.AcceptedAt)

	_, err = f.invitations.Accept(ctx, issued.Token)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestDeleteMany(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.invite(t, "a@example.com", models.RoleCustomer)
	b := f.invite(t, "b@example.com", models.RoleCustomer)
	missing := uuid.NewString()

	res := f.invitations.DeleteMany(ctx, []string{a.Invitation.ID, missing, b.Invitation.ID, "bogus"})
	assert.Equal(t, 2, res.Deleted)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, missing, res.Errors[0].ID)
	assert.Equal(t, "invitation not found", res.Errors[0].Message)

	listed, err := f.invitations.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, listed)
}
