package pool

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Laisky/codeassist-proxy/internal/credential"
	"github.com/Laisky/codeassist-proxy/internal/tokenlifecycle"
)

type countingExchanger struct {
	calls int32
}

func (c *countingExchanger) Exchange(rec *credential.Record) (string, int, error) {
	atomic.AddInt32(&c.calls, 1)
	return "tok-" + rec.ID, 3600, nil
}

func TestRefreshAllTokens_RefreshesEveryCredentialConcurrently(t *testing.T) {
	t.Setenv("CODEASSIST_CONFIG_DIR", t.TempDir())
	credential.Load()
	credential.Mutate(func(st *credential.State) {
		st.Credentials = []credential.Record{
			{ID: "A", Active: true},
			{ID: "B", Active: true},
			{ID: "C", Active: true},
		}
	})

	ex := &countingExchanger{}
	mgr := tokenlifecycle.NewManager(ex)

	err := RefreshAllTokens(context.Background(), mgr)
	require.NoError(t, err)
	assert.EqualValues(t, 3, ex.calls)

	st := credential.Current()
	for _, rec := range st.Credentials {
		assert.Equal(t, "tok-"+rec.ID, rec.SessionToken)
	}
}
