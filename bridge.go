package prep

import (
	"context"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/goliatone/go-prep"

// DefaultStartupTimeout bounds the wait for the first auth state event
const DefaultStartupTimeout = 5 * time.Second

// DefaultOperationTimeout bounds a single bridge operation
const DefaultOperationTimeout = 20 * time.Second

// State is the bridge lifecycle state
type State string

const (
	StateUninitialized   State = "uninitialized"
	StateLoading         State = "loading"
	StateAuthenticated   State = "authenticated"
	StateUnauthenticated State = "unauthenticated"
	StateError           State = "error"
)

// Resolved reports whether the state is past loading
func (s State) Resolved() bool {
	switch s {
	case StateAuthenticated, StateUnauthenticated, StateError:
		return true
	default:
		return false
	}
}

// Snapshot is a point in time copy of the bridge state
type Snapshot struct {
	State   State    `json:"state"`
	User    *User    `json:"user,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

// Authenticated reports whether a user is signed in
func (s Snapshot) Authenticated() bool {
	return s.State == StateAuthenticated && s.User != nil
}

// Result is what every bridge operation returns. Exactly one of User or
// Failure is set for operations that produce a user.
type Result struct {
	User    *User    `json:"user,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

// OK reports whether the operation succeeded
func (r Result) OK() bool {
	return r.Failure == nil
}

// Bridge reconciles the identity client session of one device with the
// durable profile document. It is the single source of truth for who is
// signed in on that device.
type Bridge struct {
	device         string
	identity       IdentityClient
	profiles       ProfileStore
	logger         Logger
	tracer         trace.Tracer
	startupTimeout time.Duration
	opTimeout      time.Duration
	now            func() time.Time

	mu       sync.Mutex
	state    State
	user     *User
	failure  *Failure
	issued   uint64
	applied  uint64
	resolved chan struct{}
	sub      AuthStateSubscription
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool
}

// BridgeOption configures a Bridge
type BridgeOption func(*Bridge) *Bridge

// WithBridgeLogger sets the logger
func WithBridgeLogger(logger Logger) BridgeOption {
	return func(b *Bridge) *Bridge {
		if logger != nil {
			b.logger = logger
		}
		return b
	}
}

// WithStartupTimeout sets how long Start waits for the first event
func WithStartupTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) *Bridge {
		if d > 0 {
			b.startupTimeout = d
		}
		return b
	}
}

// WithOperationTimeout bounds each imperative operation
func WithOperationTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) *Bridge {
		if d > 0 {
			b.opTimeout = d
		}
		return b
	}
}

// WithTracer sets the tracer used for operation spans
func WithTracer(tracer trace.Tracer) BridgeOption {
	return func(b *Bridge) *Bridge {
		if tracer != nil {
			b.tracer = tracer
		}
		return b
	}
}

// WithClock overrides time.Now, used for profile timestamps
func WithClock(now func() time.Time) BridgeOption {
	return func(b *Bridge) *Bridge {
		if now != nil {
			b.now = now
		}
		return b
	}
}

// NewBridge creates a bridge for device. Call Start before use.
func NewBridge(device string, identity IdentityClient, profiles ProfileStore, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		device:         device,
		identity:       identity,
		profiles:       profiles,
		logger:         defLogger{},
		tracer:         otel.Tracer(tracerName),
		startupTimeout: DefaultStartupTimeout,
		opTimeout:      DefaultOperationTimeout,
		now:            time.Now,
		state:          StateUninitialized,
		resolved:       make(chan struct{}),
		done:           make(chan struct{}),
	}

	for _, opt := range opts {
		b = opt(b)
	}

	return b
}

// Device returns the device id this bridge serves
func (b *Bridge) Device() string {
	return b.device
}

// Start subscribes to the identity client and moves the bridge to loading.
// Calling it more than once is a no-op.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	if b.state != StateUninitialized || b.closed {
		b.mu.Unlock()
		return
	}
	b.state = StateLoading

	runCtx, cancel := context.WithCancel(WithDevice(context.WithoutCancel(ctx), b.device))
	b.cancel = cancel
	b.sub = b.identity.Subscribe(b.device)
	sub := b.sub
	b.mu.Unlock()

	go b.run(runCtx, sub)
}

func (b *Bridge) run(ctx context.Context, sub AuthStateSubscription) {
	defer close(b.done)

	timer := time.NewTimer(b.startupTimeout)
	defer timer.Stop()

	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			b.timeout()
		case ev, ok := <-events:
			if !ok {
				b.logger.Debug("auth state stream closed", "device", b.device)
				return
			}
			b.handleEvent(ctx, ev)
		}
	}
}

func (b *Bridge) timeout() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateLoading {
		return
	}

	b.logger.Warn("identity client did not respond", "device", b.device, "timeout", b.startupTimeout)
	b.state = StateError
	b.failure = MapError(ErrStartupTimeout)
	b.resolveLocked()
}

func (b *Bridge) handleEvent(ctx context.Context, ev AuthStateEvent) {
	b.mu.Lock()
	if b.state == StateError {
		b.mu.Unlock()
		b.logger.Debug("ignoring auth state event in error state", "device", b.device)
		return
	}
	ticket := b.nextTicketLocked()
	loading := b.state == StateLoading
	b.mu.Unlock()

	if ev.Err != nil {
		failure := MapError(ev.Err)
		b.logger.Warn("auth state event error", "device", b.device, "code", failure.Code, "error", ev.Err)

		b.mu.Lock()
		defer b.mu.Unlock()
		if ticket <= b.applied {
			return
		}
		b.applied = ticket
		b.failure = failure
		if loading && b.state == StateLoading {
			if failure.Kind == KindNetwork {
				b.state = StateError
			} else {
				b.state = StateUnauthenticated
				b.user = nil
			}
			b.resolveLocked()
		}
		return
	}

	if ev.User == nil {
		b.applySignedOut(ticket, ev.Cause)
		return
	}

	doc, _ := b.fetchProfile(ctx, ev.User.UID)
	b.apply(ticket, MergeUser(ev.User, doc), "")
}

// applySignedOut clears the session. A cause, set when the provider
// ended the session itself, is kept as the failure shown next.
func (b *Bridge) applySignedOut(ticket uint64, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.applyLocked(ticket, nil, "") && cause != nil {
		b.failure = MapError(cause)
	}
}

// Wait blocks until the bridge leaves loading or ctx is done
func (b *Bridge) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-b.resolved:
		return b.Snapshot(), nil
	case <-ctx.Done():
		return b.Snapshot(), ctx.Err()
	}
}

// Snapshot returns a copy of the current state
func (b *Bridge) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		State:   b.state,
		User:    b.user.Clone(),
		Failure: b.failure,
	}
}

// Close stops the subscription. It is safe to call more than once.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel, sub := b.cancel, b.sub
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	var err error
	if sub != nil {
		err = sub.Close()
	}
	<-b.done
	return err
}

// Login authenticates with email and password
func (b *Bridge) Login(ctx context.Context, email, password string, rememberMe bool) Result {
	ctx, span, cancel := b.begin(ctx, "prep.bridge.login")
	defer cancel()
	defer span.End()

	if res, closed := b.closedResult(span); closed {
		return res
	}

	persistence := PersistenceSession
	if rememberMe {
		persistence = PersistenceLocal
	}
	span.SetAttributes(attribute.String("prep.persistence", string(persistence)))

	pu, err := b.identity.SignIn(ctx, b.device, strings.TrimSpace(email), password, persistence)
	ticket := b.nextTicket()
	if err != nil {
		return b.fail(span, "login", ticket, err)
	}

	doc, _ := b.fetchProfile(ctx, pu.UID)
	user := MergeUser(pu, doc)
	b.apply(ticket, user, "")

	return Result{User: user.Clone()}
}

// Signup creates an account and writes its initial profile document
func (b *Bridge) Signup(ctx context.Context, in SignupInput) Result {
	ctx, span, cancel := b.begin(ctx, "prep.bridge.signup")
	defer cancel()
	defer span.End()

	if res, closed := b.closedResult(span); closed {
		return res
	}

	email := strings.TrimSpace(in.Email)
	pu, err := b.identity.SignUp(ctx, b.device, email, in.Password)
	if err != nil {
		return b.fail(span, "signup", b.nextTicket(), err)
	}

	if name := strings.TrimSpace(in.FullName); name != "" {
		updated, err := b.identity.UpdateUser(ctx, b.device, UserChanges{DisplayName: &name})
		if err != nil {
			b.logger.Warn("signup display name update failed", "device", b.device, "uid", pu.UID, "error", err)
			pu.DisplayName = name
		} else {
			pu = updated
		}
	}

	now := b.now().UTC()
	doc := &ProfileDocument{
		UID:         pu.UID,
		Role:        NormalizeRole(string(in.Role)),
		DisplayName: pu.DisplayName,
		Email:       email,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for key, val := range map[string]string{
		FieldPhone:       in.Phone,
		FieldInstitution: in.Institution,
		FieldCompany:     in.Company,
		FieldJobTitle:    in.JobTitle,
	} {
		if val = strings.TrimSpace(val); val != "" {
			doc.AddField(key, val)
		}
	}

	b.saveProfile(ctx, doc)

	ticket := b.nextTicket()
	user := MergeUser(pu, doc)
	b.apply(ticket, user, "")

	return Result{User: user.Clone()}
}

// SignInWithGoogle exchanges a Google OAuth credential for a session
func (b *Bridge) SignInWithGoogle(ctx context.Context, cred IDPCredential) Result {
	ctx, span, cancel := b.begin(ctx, "prep.bridge.google")
	defer cancel()
	defer span.End()

	if res, closed := b.closedResult(span); closed {
		return res
	}

	if cred.ProviderID == "" {
		cred.ProviderID = "google.com"
	}

	pu, err := b.identity.SignInWithIDP(ctx, b.device, cred)
	ticket := b.nextTicket()
	if err != nil {
		return b.fail(span, "google", ticket, err)
	}

	doc, err := b.fetchProfile(ctx, pu.UID)
	if doc == nil && err == nil {
		now := b.now().UTC()
		doc = &ProfileDocument{
			UID:         pu.UID,
			Role:        DefaultRole,
			DisplayName: pu.DisplayName,
			Email:       pu.Email,
			PhotoURL:    pu.PhotoURL,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		b.saveProfile(ctx, doc)
	}

	user := MergeUser(pu, doc)
	b.apply(ticket, user, "")

	return Result{User: user.Clone()}
}

// Logout ends the provider session and clears the user
func (b *Bridge) Logout(ctx context.Context) Result {
	ctx, span, cancel := b.begin(ctx, "prep.bridge.logout")
	defer cancel()
	defer span.End()

	if res, closed := b.closedResult(span); closed {
		return res
	}

	err := b.identity.SignOut(ctx, b.device)
	ticket := b.nextTicket()

	// the local session is gone regardless of what the provider said
	b.apply(ticket, nil, "")

	if err != nil {
		failure := MapError(err)
		b.logger.Warn("provider sign out failed", "device", b.device, "code", failure.Code, "error", err)
		recordFailure(span, failure)
		return Result{Failure: failure}
	}

	return Result{}
}

// UpdateProfile applies partial changes for the signed in user
func (b *Bridge) UpdateProfile(ctx context.Context, changes ProfileChanges) Result {
	ctx, span, cancel := b.begin(ctx, "prep.bridge.update_profile")
	defer cancel()
	defer span.End()

	if res, closed := b.closedResult(span); closed {
		return res
	}

	current := b.Snapshot().User
	if current == nil {
		return b.fail(span, "update_profile", b.nextTicket(), ErrNoSession)
	}

	if uc := changes.userChanges(); !uc.IsZero() {
		if _, err := b.identity.UpdateUser(ctx, b.device, uc); err != nil {
			return b.fail(span, "update_profile", b.nextTicket(), err)
		}
	}

	b.saveProfile(ctx, changes.document(current.UID, b.now().UTC()))

	ticket := b.nextTicket()
	next := applyChanges(current, changes)
	if !b.apply(ticket, next, current.UID) {
		return Result{User: b.Snapshot().User}
	}

	return Result{User: next.Clone()}
}

// SendPasswordReset asks the provider to mail a reset link. The result is
// a success whether or not the account exists.
func (b *Bridge) SendPasswordReset(ctx context.Context, email string) Result {
	ctx, span, cancel := b.begin(ctx, "prep.bridge.password_reset")
	defer cancel()
	defer span.End()

	if err := b.identity.SendPasswordReset(ctx, strings.TrimSpace(email)); err != nil {
		failure := MapError(err)
		span.SetAttributes(attribute.String("prep.error_code", failure.Code))
		switch failure.Kind {
		case KindAccountNotFound, KindInvalidCredentials:
			b.logger.Info("password reset not sent", "device", b.device, "code", failure.Code)
		default:
			b.logger.Warn("password reset failed", "device", b.device, "code", failure.Code, "error", err)
		}
	}

	return Result{}
}

// ClearError drops the last failure and keeps the user
func (b *Bridge) ClearError() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failure = nil
}

func (b *Bridge) begin(ctx context.Context, name string) (context.Context, trace.Span, context.CancelFunc) {
	ctx = WithDevice(context.WithoutCancel(ctx), b.device)
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	ctx, span := b.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("prep.device", b.device),
	))
	return ctx, span, cancel
}

func (b *Bridge) closedResult(span trace.Span) (Result, bool) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()

	if !closed {
		return Result{}, false
	}

	failure := MapError(ErrBridgeClosed)
	recordFailure(span, failure)
	return Result{Failure: failure}, true
}

// fail records the failure as the last observation and builds the result
func (b *Bridge) fail(span trace.Span, op string, ticket uint64, err error) Result {
	failure := MapError(err)
	recordFailure(span, failure)

	if failure.Kind == KindUnknown {
		b.logger.Error("bridge operation failed", "op", op, "device", b.device, "code", failure.Code, "error", err)
	} else {
		b.logger.Info("bridge operation failed", "op", op, "device", b.device, "code", failure.Code, "kind", failure.Kind)
	}

	b.mu.Lock()
	if ticket > b.applied {
		b.failure = failure
	}
	b.mu.Unlock()

	return Result{Failure: failure}
}

func recordFailure(span trace.Span, failure *Failure) {
	span.SetAttributes(
		attribute.String("prep.error_code", failure.Code),
		attribute.String("prep.error_kind", string(failure.Kind)),
	)
	span.RecordError(failure)
	span.SetStatus(codes.Error, failure.Message)
}

// fetchProfile returns a nil document and nil error when the store has no
// document for uid. An unreachable store returns the error and is logged.
func (b *Bridge) fetchProfile(ctx context.Context, uid string) (*ProfileDocument, error) {
	if b.profiles == nil {
		return nil, nil
	}

	doc, err := b.profiles.GetProfile(ctx, uid)
	if err == nil {
		return doc, nil
	}

	if IsProfileNotFound(err) {
		return nil, nil
	}

	b.logger.Warn("profile fetch failed, using default role", "device", b.device, "uid", uid, "error", err)
	return nil, err
}

// saveProfile writes doc. Failures are logged and never fatal.
func (b *Bridge) saveProfile(ctx context.Context, doc *ProfileDocument) {
	if b.profiles == nil || doc == nil {
		return
	}

	if err := b.profiles.SaveProfile(ctx, doc); err != nil {
		var rich *goerrors.Error
		if goerrors.As(err, &rich) {
			b.logger.Warn("profile write failed", "device", b.device, "uid", doc.UID, "text_code", rich.TextCode, "error", rich.Message)
			return
		}
		b.logger.Warn("profile write failed", "device", b.device, "uid", doc.UID, "error", err)
	}
}

func (b *Bridge) nextTicket() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextTicketLocked()
}

func (b *Bridge) nextTicketLocked() uint64 {
	b.issued++
	return b.issued
}

// apply stores user if ticket is newer than the last applied observation.
// When uid is set the write only lands if that user is still signed in.
func (b *Bridge) apply(ticket uint64, user *User, uid string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applyLocked(ticket, user, uid)
}

func (b *Bridge) applyLocked(ticket uint64, user *User, uid string) bool {
	if ticket <= b.applied {
		b.logger.Debug("dropping stale session write", "device", b.device, "ticket", ticket, "applied", b.applied)
		return false
	}

	if uid != "" && (b.user == nil || b.user.UID != uid) {
		b.logger.Debug("dropping write for signed out user", "device", b.device, "uid", uid)
		return false
	}

	b.applied = ticket
	b.user = user
	b.failure = nil
	if user != nil {
		b.state = StateAuthenticated
	} else {
		b.state = StateUnauthenticated
	}
	b.resolveLocked()

	return true
}

func (b *Bridge) resolveLocked() {
	select {
	case <-b.resolved:
	default:
		close(b.resolved)
	}
}
