package prep

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type fakeAccount struct {
	password string
	user     ProviderUser
}

// fakeIdentity is an in memory IdentityClient. Sessions are per device and
// every change is pushed to that device's subscriptions.
type fakeIdentity struct {
	mu       sync.Mutex
	accounts map[string]*fakeAccount
	sessions map[string]*ProviderUser
	subs     map[string][]*fakeSubscription
	nextUID  int

	// silent subscriptions never deliver the initial event
	silent bool
	// signInGate, when set, blocks SignIn until it is closed
	signInGate chan struct{}

	signInErr   error
	signOutErr  error
	updateErr   error
	resetErr    error
	idpUser     *ProviderUser
	persistence Persistence

	signIns atomic.Int32
	signUps atomic.Int32
	resets  atomic.Int32
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		accounts: map[string]*fakeAccount{},
		sessions: map[string]*ProviderUser{},
		subs:     map[string][]*fakeSubscription{},
	}
}

func (f *fakeIdentity) addAccount(email, password string, user ProviderUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user.Email = email
	f.accounts[strings.ToLower(email)] = &fakeAccount{password: password, user: user}
}

func (f *fakeIdentity) restore(device string, user ProviderUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[device] = &user
}

func (f *fakeIdentity) SignIn(ctx context.Context, device, email, password string, persistence Persistence) (*ProviderUser, error) {
	f.signIns.Add(1)

	if f.signInGate != nil {
		select {
		case <-f.signInGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.persistence = persistence
	if f.signInErr != nil {
		return nil, f.signInErr
	}

	acc, ok := f.accounts[strings.ToLower(email)]
	if !ok {
		return nil, NewProviderError("auth/user-not-found", "EMAIL_NOT_FOUND", 400, nil)
	}
	if acc.password != password {
		return nil, NewProviderError("auth/wrong-password", "INVALID_PASSWORD", 400, nil)
	}

	user := acc.user
	f.sessions[device] = &user
	out := user
	return &out, nil
}

func (f *fakeIdentity) SignUp(ctx context.Context, device, email, password string) (*ProviderUser, error) {
	f.signUps.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()

	email = strings.ToLower(email)
	if _, ok := f.accounts[email]; ok {
		return nil, NewProviderError("auth/email-already-in-use", "EMAIL_EXISTS", 400, nil)
	}

	f.nextUID++
	user := ProviderUser{
		UID:        fmt.Sprintf("uid-%d", f.nextUID),
		Email:      email,
		ProviderID: "password",
		IsNewUser:  true,
	}
	f.accounts[email] = &fakeAccount{password: password, user: user}
	f.sessions[device] = &user

	out := user
	return &out, nil
}

func (f *fakeIdentity) SignInWithIDP(ctx context.Context, device string, cred IDPCredential) (*ProviderUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.signInErr != nil {
		return nil, f.signInErr
	}
	if f.idpUser == nil {
		return nil, NewProviderError("auth/invalid-credential", "INVALID_IDP_RESPONSE", 400, nil)
	}

	user := *f.idpUser
	user.ProviderID = cred.ProviderID
	f.sessions[device] = &user

	out := user
	return &out, nil
}

func (f *fakeIdentity) UpdateUser(ctx context.Context, device string, changes UserChanges) (*ProviderUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.updateErr != nil {
		return nil, f.updateErr
	}

	current, ok := f.sessions[device]
	if !ok {
		return nil, ErrNoSession
	}
	if changes.DisplayName != nil {
		current.DisplayName = *changes.DisplayName
	}
	if changes.PhotoURL != nil {
		current.PhotoURL = *changes.PhotoURL
	}

	out := *current
	return &out, nil
}

func (f *fakeIdentity) SendPasswordReset(ctx context.Context, email string) error {
	f.resets.Add(1)
	return f.resetErr
}

func (f *fakeIdentity) SignOut(ctx context.Context, device string) error {
	f.mu.Lock()
	delete(f.sessions, device)
	err := f.signOutErr
	f.mu.Unlock()
	return err
}

func (f *fakeIdentity) Subscribe(device string) AuthStateSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := &fakeSubscription{events: make(chan AuthStateEvent, 8)}
	f.subs[device] = append(f.subs[device], sub)

	if !f.silent {
		var user *ProviderUser
		if current, ok := f.sessions[device]; ok {
			u := *current
			user = &u
		}
		sub.events <- AuthStateEvent{Device: device, User: user, ObservedAt: time.Now()}
	}

	return sub
}

// emit pushes ev to every open subscription of the device
func (f *fakeIdentity) emit(device string, ev AuthStateEvent) {
	f.mu.Lock()
	subs := append([]*fakeSubscription(nil), f.subs[device]...)
	f.mu.Unlock()

	ev.Device = device
	for _, sub := range subs {
		sub.push(ev)
	}
}

type fakeSubscription struct {
	mu     sync.Mutex
	events chan AuthStateEvent
	closed bool
}

func (s *fakeSubscription) Events() <-chan AuthStateEvent {
	return s.events
}

func (s *fakeSubscription) push(ev AuthStateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- ev
	}
}

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// fakeProfiles is an in memory ProfileStore that merges like the real ones
type fakeProfiles struct {
	mu      sync.Mutex
	docs    map[string]*ProfileDocument
	getErr  error
	saveErr error
	saves   int
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{docs: map[string]*ProfileDocument{}}
}

func (p *fakeProfiles) put(doc *ProfileDocument) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docs[doc.UID] = doc
}

func (p *fakeProfiles) get(uid string) *ProfileDocument {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc, ok := p.docs[uid]
	if !ok {
		return nil
	}
	out := *doc
	out.Fields = cloneFields(doc.Fields)
	return &out
}

func (p *fakeProfiles) GetProfile(ctx context.Context, uid string) (*ProfileDocument, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.getErr != nil {
		return nil, p.getErr
	}
	doc, ok := p.docs[uid]
	if !ok {
		return nil, ErrProfileNotFound
	}
	out := *doc
	out.Fields = cloneFields(doc.Fields)
	return &out, nil
}

func (p *fakeProfiles) SaveProfile(ctx context.Context, doc *ProfileDocument) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.saves++
	if p.saveErr != nil {
		return p.saveErr
	}

	current, ok := p.docs[doc.UID]
	if !ok {
		current = &ProfileDocument{UID: doc.UID}
		p.docs[doc.UID] = current
	}
	doc.MergeInto(current)
	return nil
}

// startBridge starts a bridge and waits for it to resolve
func startBridge(identity IdentityClient, profiles ProfileStore, opts ...BridgeOption) *Bridge {
	b := NewBridge("device-1", identity, profiles, opts...)
	b.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _ = b.Wait(ctx)

	return b
}

var testLogger = quietLogger{}

type quietLogger struct{}

func (quietLogger) Debug(string, ...any) {}
func (quietLogger) Info(string, ...any)  {}
func (quietLogger) Warn(string, ...any)  {}
func (quietLogger) Error(string, ...any) {}
