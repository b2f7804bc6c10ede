// Package prep is the session layer of the interview practice site.
//
// Sessions:
//   - A Bridge reconciles one device's identity provider session with the
//     user's profile document and is the only writer of the in memory User.
//     Every completed call and every auth state notification takes a ticket,
//     and a write only lands when its ticket is newer than the last one
//     applied, so the latest observation wins.
//   - BridgeManager keeps one started Bridge per device cookie, evicts idle
//     ones and replaces bridges that ended in the error state on retry.
//
// Errors:
//   - Provider codes such as "auth/wrong-password" resolve through a single
//     table to a Failure with a kind and a stable message. Unknown codes map
//     to KindUnknown. Bridge operations return a Result and never an error.
//
// HTTP:
//   - SessionHandler.Middleware attaches the bridge to the request and the
//     RestrictedPublic and Protected guards wait for it to resolve before
//     deciding. An unresolved or errored session renders the offline page
//     instead of redirecting.
//   - AuthController and PageController validate forms with ozzo and
//     collapse duplicate submissions from a device with Inflight.
package prep
