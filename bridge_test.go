package prep

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func bridgeOpts() []BridgeOption {
	return []BridgeOption{
		WithBridgeLogger(testLogger),
		WithClock(func() time.Time { return fixedNow }),
	}
}

func TestBridgeStartWithoutSession(t *testing.T) {
	b := startBridge(newFakeIdentity(), newFakeProfiles(), bridgeOpts()...)
	defer b.Close()

	snap := b.Snapshot()
	assert.Equal(t, StateUnauthenticated, snap.State)
	assert.Nil(t, snap.User)
	assert.Nil(t, snap.Failure)
}

func TestBridgeStartRestoresSession(t *testing.T) {
	identity := newFakeIdentity()
	identity.restore("device-1", ProviderUser{UID: "uid-7", Email: "sam@example.com", DisplayName: "sam"})

	profiles := newFakeProfiles()
	profiles.put(&ProfileDocument{UID: "uid-7", Role: RoleInterviewer, DisplayName: "Sam Lee"})

	b := startBridge(identity, profiles, bridgeOpts()...)
	defer b.Close()

	snap := b.Snapshot()
	require.True(t, snap.Authenticated())
	assert.Equal(t, RoleInterviewer, snap.User.Role)
	assert.Equal(t, "Sam Lee", snap.User.DisplayName)
	assert.Equal(t, "/interviewer/dashboard", snap.User.HomePath())
}

func TestBridgeStartupTimeout(t *testing.T) {
	identity := newFakeIdentity()
	identity.silent = true

	opts := append(bridgeOpts(), WithStartupTimeout(20*time.Millisecond))
	b := startBridge(identity, newFakeProfiles(), opts...)
	defer b.Close()

	snap := b.Snapshot()
	require.Equal(t, StateError, snap.State)
	require.NotNil(t, snap.Failure)
	assert.Equal(t, KindNetwork, snap.Failure.Kind)
	assert.Equal(t, CodeTimeout, snap.Failure.Code)
	assert.Nil(t, snap.User)

	// a late notification does not flip the error state
	identity.emit("device-1", AuthStateEvent{User: &ProviderUser{UID: "late"}})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateError, b.Snapshot().State)
}

func TestBridgeFirstEventConnectivityError(t *testing.T) {
	identity := newFakeIdentity()
	identity.silent = true

	b := NewBridge("device-1", identity, newFakeProfiles(), bridgeOpts()...)
	b.Start(context.Background())
	defer b.Close()

	identity.emit("device-1", AuthStateEvent{Err: NewProviderError(CodeNetworkRequestFailed, "", 0, nil)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := b.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, KindNetwork, snap.Failure.Kind)
}

func TestBridgeFirstEventOtherError(t *testing.T) {
	identity := newFakeIdentity()
	identity.silent = true

	b := NewBridge("device-1", identity, newFakeProfiles(), bridgeOpts()...)
	b.Start(context.Background())
	defer b.Close()

	identity.emit("device-1", AuthStateEvent{Err: NewProviderError("auth/user-token-expired", "", 400, nil)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := b.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUnauthenticated, snap.State)
	assert.Equal(t, KindInvalidCredentials, snap.Failure.Kind)
}

func TestBridgeSignupScenario(t *testing.T) {
	identity := newFakeIdentity()
	profiles := newFakeProfiles()

	b := startBridge(identity, profiles, bridgeOpts()...)
	defer b.Close()

	payload := SignupPayload{
		FullName:        "Jane Doe",
		Email:           "jane@example.com",
		Password:        "Abcdef12",
		ConfirmPassword: "Abcdef12",
		Role:            "interviewee",
		Institution:     "State University",
		AgreeToTerms:    true,
	}
	require.NoError(t, payload.Validate())

	res := b.Signup(context.Background(), payload.Input())
	require.True(t, res.OK(), "signup failed: %v", res.Failure)

	assert.Equal(t, RoleInterviewee, res.User.Role)
	assert.Equal(t, "Jane Doe", res.User.DisplayName)
	assert.Equal(t, "/interviewee/dashboard", res.User.HomePath())

	snap := b.Snapshot()
	require.True(t, snap.Authenticated())
	assert.Equal(t, res.User, snap.User)

	doc := profiles.get(res.User.UID)
	require.NotNil(t, doc)
	assert.Equal(t, RoleInterviewee, doc.Role)
	assert.Equal(t, "Jane Doe", doc.DisplayName)
	assert.Equal(t, "jane@example.com", doc.Email)
	assert.Equal(t, "State University", doc.Fields[FieldInstitution])
	assert.Equal(t, fixedNow, doc.CreatedAt)
	assert.Equal(t, fixedNow, doc.UpdatedAt)
}

func TestBridgeSignupSurvivesProfileWriteFailure(t *testing.T) {
	profiles := newFakeProfiles()
	profiles.saveErr = NewProviderError("permission-denied", "PERMISSION_DENIED", 403, nil)

	b := startBridge(newFakeIdentity(), profiles, bridgeOpts()...)
	defer b.Close()

	res := b.Signup(context.Background(), SignupInput{
		FullName: "Jane Doe",
		Email:    "jane@example.com",
		Password: "Abcdef12",
		Role:     RoleInterviewer,
	})

	require.True(t, res.OK())
	assert.Equal(t, RoleInterviewer, res.User.Role)
	assert.Equal(t, 1, profiles.saves)
}

func TestBridgeSignupExistingEmail(t *testing.T) {
	identity := newFakeIdentity()
	identity.addAccount("jane@example.com", "Abcdef12", ProviderUser{UID: "uid-jane"})

	b := startBridge(identity, newFakeProfiles(), bridgeOpts()...)
	defer b.Close()

	res := b.Signup(context.Background(), SignupInput{Email: "jane@example.com", Password: "Abcdef12"})
	require.False(t, res.OK())
	assert.Equal(t, "An account with this email already exists.", res.Failure.Message)
	assert.Nil(t, b.Snapshot().User)
}

func TestBridgeLoginWrongPassword(t *testing.T) {
	identity := newFakeIdentity()
	identity.addAccount("jane@example.com", "Abcdef12", ProviderUser{UID: "uid-jane"})

	b := startBridge(identity, newFakeProfiles(), bridgeOpts()...)
	defer b.Close()

	res := b.Login(context.Background(), "jane@example.com", "wrong-pass", false)
	require.False(t, res.OK())
	assert.Nil(t, res.User)
	assert.Equal(t, KindInvalidCredentials, res.Failure.Kind)
	assert.Equal(t, "Incorrect password. Please try again.", res.Failure.Message)

	snap := b.Snapshot()
	assert.Nil(t, snap.User)
	assert.Equal(t, StateUnauthenticated, snap.State)
	assert.Equal(t, res.Failure, snap.Failure)

	b.ClearError()
	assert.Nil(t, b.Snapshot().Failure)
}

func TestBridgeLoginPersistence(t *testing.T) {
	identity := newFakeIdentity()
	identity.addAccount("jane@example.com", "Abcdef12", ProviderUser{UID: "uid-jane"})

	b := startBridge(identity, newFakeProfiles(), bridgeOpts()...)
	defer b.Close()

	require.True(t, b.Login(context.Background(), " jane@example.com ", "Abcdef12", true).OK())
	assert.Equal(t, PersistenceLocal, identity.persistence)

	require.True(t, b.Login(context.Background(), "jane@example.com", "Abcdef12", false).OK())
	assert.Equal(t, PersistenceSession, identity.persistence)
}

func TestBridgeLoginWithProfileStoreDown(t *testing.T) {
	identity := newFakeIdentity()
	identity.addAccount("jane@example.com", "Abcdef12", ProviderUser{UID: "uid-jane", DisplayName: "Jane"})

	profiles := newFakeProfiles()
	profiles.getErr = NewProviderError("unavailable", "UNAVAILABLE", 503, nil)

	b := startBridge(identity, profiles, bridgeOpts()...)
	defer b.Close()

	res := b.Login(context.Background(), "jane@example.com", "Abcdef12", false)
	require.True(t, res.OK())
	assert.Equal(t, DefaultRole, res.User.Role)
	assert.Equal(t, "Jane", res.User.DisplayName)
}

func TestBridgeGoogleCreatesMissingProfile(t *testing.T) {
	identity := newFakeIdentity()
	identity.idpUser = &ProviderUser{UID: "uid-g", Email: "g@example.com", DisplayName: "Gee", PhotoURL: "https://img/g.png"}
	profiles := newFakeProfiles()

	b := startBridge(identity, profiles, bridgeOpts()...)
	defer b.Close()

	res := b.SignInWithGoogle(context.Background(), IDPCredential{IDToken: "id-token"})
	require.True(t, res.OK())
	assert.Equal(t, DefaultRole, res.User.Role)

	doc := profiles.get("uid-g")
	require.NotNil(t, doc)
	assert.Equal(t, DefaultRole, doc.Role)
	assert.Equal(t, "Gee", doc.DisplayName)
	assert.Equal(t, "https://img/g.png", doc.PhotoURL)
}

func TestBridgeGoogleKeepsExistingProfile(t *testing.T) {
	identity := newFakeIdentity()
	identity.idpUser = &ProviderUser{UID: "uid-g", Email: "g@example.com"}
	profiles := newFakeProfiles()
	profiles.put(&ProfileDocument{UID: "uid-g", Role: RoleInterviewer})

	b := startBridge(identity, profiles, bridgeOpts()...)
	defer b.Close()

	res := b.SignInWithGoogle(context.Background(), IDPCredential{IDToken: "id-token"})
	require.True(t, res.OK())
	assert.Equal(t, RoleInterviewer, res.User.Role)
	assert.Equal(t, 0, profiles.saves)
}

func TestBridgeGoogleDoesNotCreateWhenStoreUnreachable(t *testing.T) {
	identity := newFakeIdentity()
	identity.idpUser = &ProviderUser{UID: "uid-g"}
	profiles := newFakeProfiles()
	profiles.getErr = NewProviderError("unavailable", "", 503, nil)

	b := startBridge(identity, profiles, bridgeOpts()...)
	defer b.Close()

	res := b.SignInWithGoogle(context.Background(), IDPCredential{IDToken: "id-token"})
	require.True(t, res.OK())
	assert.Equal(t, DefaultRole, res.User.Role)
	assert.Equal(t, 0, profiles.saves)
}

func TestBridgeLogoutClearsUserOnProviderError(t *testing.T) {
	identity := newFakeIdentity()
	identity.addAccount("jane@example.com", "Abcdef12", ProviderUser{UID: "uid-jane"})
	identity.signOutErr = NewProviderError(CodeNetworkRequestFailed, "", 0, nil)

	b := startBridge(identity, newFakeProfiles(), bridgeOpts()...)
	defer b.Close()

	require.True(t, b.Login(context.Background(), "jane@example.com", "Abcdef12", false).OK())

	res := b.Logout(context.Background())
	require.False(t, res.OK())
	assert.Equal(t, KindNetwork, res.Failure.Kind)

	snap := b.Snapshot()
	assert.Nil(t, snap.User)
	assert.Equal(t, StateUnauthenticated, snap.State)
}

func TestBridgeUpdateProfileWithoutSession(t *testing.T) {
	b := startBridge(newFakeIdentity(), newFakeProfiles(), bridgeOpts()...)
	defer b.Close()

	name := "Someone"
	res := b.UpdateProfile(context.Background(), ProfileChanges{DisplayName: &name})
	require.False(t, res.OK())
	assert.Equal(t, CodeUserSignedOut, res.Failure.Code)
	assert.Equal(t, KindInvalidCredentials, res.Failure.Kind)
}

func TestBridgeUpdateProfileMerges(t *testing.T) {
	identity := newFakeIdentity()
	identity.addAccount("jane@example.com", "Abcdef12", ProviderUser{UID: "uid-jane", DisplayName: "Jane"})
	profiles := newFakeProfiles()
	profiles.put(&ProfileDocument{UID: "uid-jane", Role: RoleInterviewee, Fields: map[string]any{FieldInstitution: "State University"}})

	b := startBridge(identity, profiles, bridgeOpts()...)
	defer b.Close()

	require.True(t, b.Login(context.Background(), "jane@example.com", "Abcdef12", false).OK())

	name := "Jane Doe"
	role := RoleInterviewer
	res := b.UpdateProfile(context.Background(), ProfileChanges{
		DisplayName: &name,
		Role:        &role,
		Fields:      map[string]any{FieldSkills: []string{"go", "sql"}},
	})
	require.True(t, res.OK())

	assert.Equal(t, "Jane Doe", res.User.DisplayName)
	assert.Equal(t, RoleInterviewer, res.User.Role)
	assert.Equal(t, "State University", res.User.Profile[FieldInstitution])
	assert.Equal(t, []string{"go", "sql"}, res.User.Profile[FieldSkills])
	assert.Equal(t, res.User, b.Snapshot().User)

	doc := profiles.get("uid-jane")
	assert.Equal(t, RoleInterviewer, doc.Role)
	assert.Equal(t, "Jane Doe", doc.DisplayName)
	assert.Equal(t, fixedNow, doc.UpdatedAt)
}

func TestBridgeUpdateProfileClearsPhoto(t *testing.T) {
	identity := newFakeIdentity()
	identity.addAccount("jane@example.com", "Abcdef12", ProviderUser{UID: "uid-jane"})
	profiles := newFakeProfiles()
	profiles.put(&ProfileDocument{UID: "uid-jane", Role: RoleInterviewee, PhotoURL: "https://cdn.example.com/old.png"})

	b := startBridge(identity, profiles, bridgeOpts()...)
	defer b.Close()

	res := b.Login(context.Background(), "jane@example.com", "Abcdef12", false)
	require.True(t, res.OK())
	require.Equal(t, "https://cdn.example.com/old.png", res.User.PhotoURL)

	empty := ""
	res = b.UpdateProfile(context.Background(), ProfileChanges{PhotoURL: &empty})
	require.True(t, res.OK())
	assert.Empty(t, res.User.PhotoURL)
	assert.Empty(t, profiles.get("uid-jane").PhotoURL)

	require.True(t, b.Logout(context.Background()).OK())
	res = b.Login(context.Background(), "jane@example.com", "Abcdef12", false)
	require.True(t, res.OK())
	assert.Empty(t, res.User.PhotoURL)
	assert.Equal(t, RoleInterviewee, res.User.Role)
}

func TestBridgeUpdateProfileProviderFailure(t *testing.T) {
	identity := newFakeIdentity()
	identity.addAccount("jane@example.com", "Abcdef12", ProviderUser{UID: "uid-jane", DisplayName: "Jane"})

	b := startBridge(identity, newFakeProfiles(), bridgeOpts()...)
	defer b.Close()
	require.True(t, b.Login(context.Background(), "jane@example.com", "Abcdef12", false).OK())

	identity.updateErr = NewProviderError("auth/requires-recent-login", "", 400, nil)
	name := "Other"
	res := b.UpdateProfile(context.Background(), ProfileChanges{DisplayName: &name})
	require.False(t, res.OK())
	assert.Equal(t, "Jane", b.Snapshot().User.DisplayName)
}

func TestBridgePasswordResetNeverReportsFailure(t *testing.T) {
	identity := newFakeIdentity()
	b := startBridge(identity, newFakeProfiles(), bridgeOpts()...)
	defer b.Close()

	identity.resetErr = NewProviderError("auth/user-not-found", "EMAIL_NOT_FOUND", 400, nil)
	assert.True(t, b.SendPasswordReset(context.Background(), "nobody@example.com").OK())

	identity.resetErr = NewProviderError("unavailable", "", 503, nil)
	assert.True(t, b.SendPasswordReset(context.Background(), "jane@example.com").OK())

	assert.Equal(t, int32(2), identity.resets.Load())
}

func TestBridgeStaleWriteIsDropped(t *testing.T) {
	b := startBridge(newFakeIdentity(), newFakeProfiles(), bridgeOpts()...)
	defer b.Close()

	older := b.nextTicket()
	newer := b.nextTicket()

	require.True(t, b.apply(newer, &User{UID: "newer", Role: DefaultRole}, ""))
	assert.False(t, b.apply(older, &User{UID: "older", Role: DefaultRole}, ""))

	assert.Equal(t, "newer", b.Snapshot().User.UID)
}

func TestBridgeWriteForSignedOutUserIsDropped(t *testing.T) {
	b := startBridge(newFakeIdentity(), newFakeProfiles(), bridgeOpts()...)
	defer b.Close()

	require.True(t, b.apply(b.nextTicket(), &User{UID: "a"}, ""))
	require.True(t, b.apply(b.nextTicket(), nil, ""))
	assert.False(t, b.apply(b.nextTicket(), &User{UID: "a", DisplayName: "late"}, "a"))
	assert.Nil(t, b.Snapshot().User)
}

func TestBridgeEventApplyIsIdempotent(t *testing.T) {
	identity := newFakeIdentity()
	profiles := newFakeProfiles()
	profiles.put(&ProfileDocument{UID: "uid-1", Role: RoleInterviewer, Fields: map[string]any{FieldCompany: "Acme"}})

	b := startBridge(identity, profiles, bridgeOpts()...)
	defer b.Close()

	ev := AuthStateEvent{Device: "device-1", User: &ProviderUser{UID: "uid-1", Email: "a@example.com"}}

	b.handleEvent(context.Background(), ev)
	first := b.Snapshot()

	b.handleEvent(context.Background(), ev)
	second := b.Snapshot()

	assert.Equal(t, first, second)
	assert.Equal(t, RoleInterviewer, second.User.Role)
}

func TestBridgeFollowsRemoteSignOut(t *testing.T) {
	identity := newFakeIdentity()
	identity.addAccount("jane@example.com", "Abcdef12", ProviderUser{UID: "uid-jane"})

	b := startBridge(identity, newFakeProfiles(), bridgeOpts()...)
	defer b.Close()
	require.True(t, b.Login(context.Background(), "jane@example.com", "Abcdef12", false).OK())

	identity.emit("device-1", AuthStateEvent{})

	assert.Eventually(t, func() bool {
		return b.Snapshot().State == StateUnauthenticated
	}, time.Second, 5*time.Millisecond)
}

func TestBridgeKeepsCauseOfProviderSignOut(t *testing.T) {
	identity := newFakeIdentity()
	identity.addAccount("jane@example.com", "Abcdef12", ProviderUser{UID: "uid-jane"})

	b := startBridge(identity, newFakeProfiles(), bridgeOpts()...)
	defer b.Close()
	require.True(t, b.Login(context.Background(), "jane@example.com", "Abcdef12", false).OK())

	identity.emit("device-1", AuthStateEvent{Cause: NewProviderError("auth/user-token-expired", "", 400, nil)})

	assert.Eventually(t, func() bool {
		return b.Snapshot().State == StateUnauthenticated
	}, time.Second, 5*time.Millisecond)

	snap := b.Snapshot()
	assert.Nil(t, snap.User)
	require.NotNil(t, snap.Failure)
	assert.Equal(t, "Your session has expired. Please sign in again.", snap.Failure.Message)
}

func TestBridgeSnapshotIsACopy(t *testing.T) {
	b := startBridge(newFakeIdentity(), newFakeProfiles(), bridgeOpts()...)
	defer b.Close()

	require.True(t, b.apply(b.nextTicket(), &User{UID: "a", Profile: map[string]any{"k": "v"}}, ""))

	snap := b.Snapshot()
	snap.User.Profile["k"] = "changed"
	snap.User.DisplayName = "changed"

	again := b.Snapshot()
	assert.Equal(t, "v", again.User.Profile["k"])
	assert.Empty(t, again.User.DisplayName)
}

func TestBridgeClosed(t *testing.T) {
	b := startBridge(newFakeIdentity(), newFakeProfiles(), bridgeOpts()...)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	res := b.Login(context.Background(), "jane@example.com", "Abcdef12", false)
	require.False(t, res.OK())
	assert.True(t, errors.Is(res.Failure, ErrBridgeClosed))
}

func TestBridgeOperationOutlivesRequest(t *testing.T) {
	identity := newFakeIdentity()
	identity.addAccount("jane@example.com", "Abcdef12", ProviderUser{UID: "uid-jane"})
	identity.signInGate = make(chan struct{})

	b := startBridge(identity, newFakeProfiles(), bridgeOpts()...)
	defer b.Close()

	reqCtx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		done <- b.Login(reqCtx, "jane@example.com", "Abcdef12", false)
	}()

	cancel()
	close(identity.signInGate)

	select {
	case res := <-done:
		assert.True(t, res.OK())
	case <-time.After(time.Second):
		t.Fatal("login did not finish")
	}
}
