package watcher

import (
	"context"
	"fmt"

	"github.com/hazyhaar/vintwatch/kit"
)

const (
	defaultFindsLimit = 20
	maxFindsLimit     = 500
)

// FindsRequest selects recent finds.
type FindsRequest struct {
	Limit   int    `json:"limit,omitempty"`
	Profile string `json:"profile,omitempty"`
}

// FindsResponse lists finds, newest first.
type FindsResponse struct {
	Count int    `json:"count"`
	Finds []Find `json:"finds"`
}

// ProfilesResponse lists the loaded profiles.
type ProfilesResponse struct {
	Count    int           `json:"count"`
	Profiles []ProfileView `json:"profiles"`
}

func (w *Watcher) endpoint(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.Logging(w.logger, name), kit.Recovery(w.logger))(ep)
}

func (w *Watcher) statusEndpoint() kit.Endpoint {
	return w.endpoint("vintwatch_status", func(ctx context.Context, _ any) (any, error) {
		return w.Status(ctx), nil
	})
}

func (w *Watcher) findsEndpoint() kit.Endpoint {
	return w.endpoint("vintwatch_recent_finds", func(ctx context.Context, req any) (any, error) {
		r, ok := req.(*FindsRequest)
		if !ok {
			return nil, fmt.Errorf("watcher: unexpected request %T", req)
		}
		limit := r.Limit
		if limit <= 0 {
			limit = defaultFindsLimit
		}
		limit = min(limit, maxFindsLimit)
		recs, err := w.RecentFinds(limit, r.Profile)
		if err != nil {
			return nil, err
		}
		if recs == nil {
			recs = []Find{}
		}
		return FindsResponse{Count: len(recs), Finds: recs}, nil
	})
}

func (w *Watcher) profilesEndpoint() kit.Endpoint {
	return w.endpoint("vintwatch_profiles", func(ctx context.Context, _ any) (any, error) {
		ps := w.Profiles()
		return ProfilesResponse{Count: len(ps), Profiles: ps}, nil
	})
}
