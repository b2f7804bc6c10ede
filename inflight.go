package prep

import (
	"golang.org/x/sync/singleflight"
)

// Inflight collapses concurrent submissions of the same form from the same
// device into a single bridge call. Every waiter gets the same Result.
type Inflight struct {
	group singleflight.Group
}

// Do runs fn unless a call for device and form is already running, in
// which case it waits for that call and shares its result. The bool
// reports whether the result was shared.
func (f *Inflight) Do(device, form string, fn func() Result) (Result, bool) {
	v, _, shared := f.group.Do(device+"|"+form, func() (any, error) {
		return fn(), nil
	})
	res, _ := v.(Result)
	return res, shared
}
