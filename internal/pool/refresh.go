package pool

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/Laisky/codeassist-proxy/internal/credential"
	"github.com/Laisky/codeassist-proxy/internal/tokenlifecycle"
)

// RefreshAllTokens fans out a session-token refresh across every
// credential in the pool, one errgroup goroutine per credential, and
// returns the first error. Each token exchange runs inside
// credential.Mutate, which holds the store's lock for the whole call, so
// the exchanges execute one at a time and a slow exchange delays the
// ones queued behind it.
func RefreshAllTokens(ctx context.Context, mgr *tokenlifecycle.Manager) error {
	ids := snapshotIDs()

	g, _ := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			var refreshErr error
			credential.Mutate(func(st *credential.State) {
				rec := findByID(st, id)
				if rec == nil {
					return
				}
				_, refreshErr = mgr.Acquire(rec)
			})
			return refreshErr
		})
	}
	return g.Wait()
}

func snapshotIDs() []string {
	st := credential.Current()
	ids := make([]string, 0, len(st.Credentials))
	for _, c := range st.Credentials {
		ids = append(ids, c.ID)
	}
	return ids
}
