package inject

import (
	"context"

	"go.viam.com/fusion/tracking"
)

// Tracker is an injected pose tracker.
type Tracker struct {
	tracking.Tracker
	TrackFunc func(ctx context.Context, in tracking.Input) (tracking.Result, error)
}

// Track calls the injected Track or the real version.
func (t *Tracker) Track(ctx context.Context, in tracking.Input) (tracking.Result, error) {
	if t.TrackFunc == nil {
		return t.Tracker.Track(ctx, in)
	}
	return t.TrackFunc(ctx, in)
}
