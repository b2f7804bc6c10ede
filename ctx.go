package prep

import (
	"context"

	"github.com/goliatone/go-router"
)

var deviceCtxKey = &contextKey{"device"}
var userCtxKey = &contextKey{"user"}

type contextKey struct {
	name string
}

// Locals keys set by the session middleware
const (
	LocalsBridgeKey  = "prep_bridge"
	LocalsDeviceKey  = "device_id"
	LocalsSessionKey = "prep_session"
)

// WithDevice sets the device id in the given context
func WithDevice(ctx context.Context, device string) context.Context {
	return context.WithValue(ctx, deviceCtxKey, device)
}

// DeviceFromContext finds the device id from the context
func DeviceFromContext(ctx context.Context) (string, bool) {
	raw, ok := ctx.Value(deviceCtxKey).(string)
	return raw, ok && raw != ""
}

// WithUser sets the User in the given context
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userCtxKey, user)
}

// UserFromContext finds the user from the context
func UserFromContext(ctx context.Context) (*User, bool) {
	raw, ok := ctx.Value(userCtxKey).(*User)
	return raw, ok && raw != nil
}

// SessionFromRouter returns the handler whose middleware saw the request
func SessionFromRouter(ctx router.Context) (*SessionHandler, bool) {
	s, ok := ctx.Locals(LocalsSessionKey).(*SessionHandler)
	return s, ok && s != nil
}

// BridgeFromRouter returns the bridge already attached to the request
func BridgeFromRouter(ctx router.Context) (*Bridge, bool) {
	raw := ctx.Locals(LocalsBridgeKey)
	if raw == nil {
		return nil, false
	}
	b, ok := raw.(*Bridge)
	return b, ok && b != nil
}

// DeviceFromRouter returns the device id attached by the session middleware
func DeviceFromRouter(ctx router.Context) string {
	raw, _ := ctx.Locals(LocalsDeviceKey).(string)
	return raw
}

// CurrentUser returns the signed in user for this request, if any
func CurrentUser(ctx router.Context) (*User, bool) {
	b, ok := BridgeFromRouter(ctx)
	if !ok {
		return nil, false
	}
	user := b.Snapshot().User
	return user, user != nil
}
