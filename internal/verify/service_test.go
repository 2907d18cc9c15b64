// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package verify_test

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storekit/verimail/internal/directory"
	"github.com/storekit/verimail/internal/i18n"
	"github.com/storekit/verimail/internal/testutil"
	"github.com/storekit/verimail/internal/verify"
)

func init() {
	// Verification emails are localized
	_ = i18n.Init()
}

func newTestService(t *testing.T) (*verify.Service, *directory.Directory, *testutil.Notifier) {
	t.Helper()
	_, dir := testutil.NewTestDB(t)
	notifier := &testutil.Notifier{}
	svc := verify.NewService(dir, notifier, "https://shop.example.com", 0)
	return svc, dir, notifier
}

// tokenFromMessage extracts the plaintext token from the verification
// link in a captured email.
func tokenFromMessage(t *testing.T, msg testutil.Message) string {
	t.Helper()
	fields := strings.Fields(msg.Body)
	require.NotEmpty(t, fields)
	link, err := url.Parse(fields[len(fields)-1])
	require.NoError(t, err)
	token := link.Query().Get("token")
	require.NotEmpty(t, token)
	return token
}

func TestEnsureAccount_CreatesUnverified(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	user, created, err := svc.EnsureAccount(ctx, "alice@example.com", "Alice", "Smith")

	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, user.ID)

	verified, err := svc.IsVerified(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, verified)
}

func TestEnsureAccount_ExistingEmail(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, created, err := svc.EnsureAccount(ctx, "alice@example.com", "Alice", "Smith")
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := svc.EnsureAccount(ctx, "alice@example.com", "Other", "Name")
	require.NoError(t, err)

	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	// Display names of the existing account are not touched
	assert.Equal(t, "Alice", second.FirstName)
}

func TestIssueToken_UnknownUser(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.IssueToken(context.Background(), "missing")

	assert.ErrorIs(t, err, verify.ErrUserNotFound)
}

func TestConfirm_SingleUse(t *testing.T) {
	svc, dir, _ := newTestService(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, dir, "alice@example.com")
	token, err := svc.IssueToken(ctx, user.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Confirm(ctx, user.ID, token))

	verified, err := svc.IsVerified(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, verified)

	// The consumed token must not verify a second time
	err = svc.Confirm(ctx, user.ID, token)
	assert.ErrorIs(t, err, verify.ErrTokenMismatch)
}

func TestConfirm_StaleTokenAfterReissue(t *testing.T) {
	svc, dir, _ := newTestService(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, dir, "alice@example.com")

	token1, err := svc.IssueToken(ctx, user.ID)
	require.NoError(t, err)
	token2, err := svc.IssueToken(ctx, user.ID)
	require.NoError(t, err)
	require.NotEqual(t, token1, token2)

	// token1 was invalidated by the reissue
	assert.ErrorIs(t, svc.Confirm(ctx, user.ID, token1), verify.ErrTokenMismatch)

	require.NoError(t, svc.Confirm(ctx, user.ID, token2))
}

func TestConfirm_WrongTokenLeavesStateUntouched(t *testing.T) {
	svc, dir, _ := newTestService(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, dir, "alice@example.com")
	token, err := svc.IssueToken(ctx, user.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Confirm(ctx, user.ID, "wrong-token"), verify.ErrTokenMismatch)

	verified, err := svc.IsVerified(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, verified)

	// The outstanding token still works after a failed attempt
	require.NoError(t, svc.Confirm(ctx, user.ID, token))
}

func TestConfirm_NoPendingToken(t *testing.T) {
	svc, dir, _ := newTestService(t)

	user := testutil.NewTestUser(t, dir, "alice@example.com")

	err := svc.Confirm(context.Background(), user.ID, "anything")

	assert.ErrorIs(t, err, verify.ErrTokenMismatch)
}

func TestConfirm_UnknownUser(t *testing.T) {
	svc, _, _ := newTestService(t)

	err := svc.Confirm(context.Background(), "missing", "token")

	assert.ErrorIs(t, err, verify.ErrUserNotFound)
}

func TestConfirm_ExpiredToken(t *testing.T) {
	_, dir := testutil.NewTestDB(t)
	notifier := &testutil.Notifier{}
	svc := verify.NewService(dir, notifier, "https://shop.example.com", time.Nanosecond)
	ctx := context.Background()

	user := testutil.NewTestUser(t, dir, "alice@example.com")
	token, err := svc.IssueToken(ctx, user.ID)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	assert.ErrorIs(t, svc.Confirm(ctx, user.ID, token), verify.ErrTokenMismatch)

	verified, err := svc.IsVerified(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, verified)
}

func TestConfirm_ConcurrentDuplicateRequests(t *testing.T) {
	svc, dir, _ := newTestService(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, dir, "alice@example.com")
	token, err := svc.IssueToken(ctx, user.ID)
	require.NoError(t, err)

	// A double-clicked link: both requests carry the same token but
	// only one may consume it.
	const attempts = 4
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- svc.Confirm(ctx, user.ID, token)
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, verify.ErrTokenMismatch)
		}
	}
	assert.Equal(t, 1, successes)

	verified, err := svc.IsVerified(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, verified)
}

func TestIsVerified_UnknownUser(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.IsVerified(context.Background(), "missing")

	assert.ErrorIs(t, err, verify.ErrUserNotFound)
}

func TestVerifiedIsMonotonic(t *testing.T) {
	svc, dir, _ := newTestService(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, dir, "alice@example.com")
	token, err := svc.IssueToken(ctx, user.ID)
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, user.ID, token))

	// Later issuance and failed confirms never flip the flag back
	_, err = svc.IssueToken(ctx, user.ID)
	require.NoError(t, err)
	_ = svc.Confirm(ctx, user.ID, "wrong")

	verified, err := svc.IsVerified(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, verified)
}

func TestSendVerification_DeliversLink(t *testing.T) {
	svc, dir, notifier := newTestService(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, dir, "alice@example.com")

	require.NoError(t, svc.SendVerification(ctx, user.ID, user.Email))

	require.Equal(t, 1, notifier.Count())
	msg := notifier.Last(t)
	assert.Equal(t, "alice@example.com", msg.To)
	assert.Contains(t, msg.Body, "https://shop.example.com/verify?user_id=")

	// The link must carry a working token
	token := tokenFromMessage(t, msg)
	require.NoError(t, svc.Confirm(ctx, user.ID, token))
}

func TestSendVerification_DeliveryFailureKeepsToken(t *testing.T) {
	svc, dir, notifier := newTestService(t)
	notifier.Err = errors.New("smtp unreachable")
	ctx := context.Background()

	user := testutil.NewTestUser(t, dir, "alice@example.com")

	err := svc.SendVerification(ctx, user.ID, user.Email)

	require.ErrorIs(t, err, verify.ErrNotificationFailed)

	// Token issuance committed before the send failed
	_, ok, err := dir.GetAttribute(ctx, user.ID, "pending_token")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGateAuthentication_BlockedResendsOnce(t *testing.T) {
	svc, dir, notifier := newTestService(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, dir, "bob@example.com")

	allowed, err := svc.GateAuthentication(ctx, user.ID)

	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 1, notifier.Count())
	assert.Equal(t, "bob@example.com", notifier.Last(t).To)
}

func TestGateAuthentication_AllowedSendsNothing(t *testing.T) {
	svc, dir, notifier := newTestService(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, dir, "alice@example.com")
	token, err := svc.IssueToken(ctx, user.ID)
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, user.ID, token))
	sent := notifier.Count()

	allowed, err := svc.GateAuthentication(ctx, user.ID)

	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, sent, notifier.Count())
}

func TestGateAuthentication_UnknownUser(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.GateAuthentication(context.Background(), "missing")

	assert.ErrorIs(t, err, verify.ErrUserNotFound)
}

func TestGateAuthentication_BlocksEvenWhenSendFails(t *testing.T) {
	svc, dir, notifier := newTestService(t)
	notifier.Err = errors.New("smtp unreachable")
	ctx := context.Background()

	user := testutil.NewTestUser(t, dir, "bob@example.com")

	allowed, err := svc.GateAuthentication(ctx, user.ID)

	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestResendIfUnverified(t *testing.T) {
	svc, dir, notifier := newTestService(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, dir, "alice@example.com")

	verified, err := svc.ResendIfUnverified(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, verified)
	assert.Equal(t, 1, notifier.Count())

	token := tokenFromMessage(t, notifier.Last(t))
	require.NoError(t, svc.Confirm(ctx, user.ID, token))

	verified, err = svc.ResendIfUnverified(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, verified)
	assert.Equal(t, 1, notifier.Count())
}

// Full journey: order placed, link visited, login allowed.
func TestScenario_OrderVerifyLogin(t *testing.T) {
	svc, _, notifier := newTestService(t)
	ctx := context.Background()

	user, created, err := svc.EnsureAccount(ctx, "alice@example.com", "Alice", "Smith")
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, svc.SendVerification(ctx, user.ID, user.Email))

	token := tokenFromMessage(t, notifier.Last(t))
	require.NoError(t, svc.Confirm(ctx, user.ID, token))

	verified, err := svc.IsVerified(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, verified)

	allowed, err := svc.GateAuthentication(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, allowed)
}

// Login before verifying invalidates the first link and issues a new one.
func TestScenario_LoginBeforeVerifying(t *testing.T) {
	svc, _, notifier := newTestService(t)
	ctx := context.Background()

	user, _, err := svc.EnsureAccount(ctx, "bob@example.com", "Bob", "Jones")
	require.NoError(t, err)
	require.NoError(t, svc.SendVerification(ctx, user.ID, user.Email))
	token1 := tokenFromMessage(t, notifier.Last(t))

	allowed, err := svc.GateAuthentication(ctx, user.ID)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, 2, notifier.Count())

	token2 := tokenFromMessage(t, notifier.Last(t))
	require.NotEqual(t, token1, token2)

	assert.ErrorIs(t, svc.Confirm(ctx, user.ID, token1), verify.ErrTokenMismatch)
	require.NoError(t, svc.Confirm(ctx, user.ID, token2))
}
