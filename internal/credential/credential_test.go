package credential

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Laisky/codeassist-proxy/internal/config"
)

func resetForTest(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CODEASSIST_CONFIG_DIR", dir)

	mu.Lock()
	current = nil
	mu.Unlock()
	config.Load()

	return dir
}

func TestLoad_MissingStateYieldsEmptyPoolNotError(t *testing.T) {
	resetForTest(t)
	st := Load()
	assert.Empty(t, st.Credentials)
}

func TestLoad_CorruptStateYieldsEmptyPool(t *testing.T) {
	dir := resetForTest(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "account-pool.json"), []byte("{bad"), 0o600))

	st := Load()
	assert.Empty(t, st.Credentials)
}

func TestSaveThenLoad_RoundTrips(t *testing.T) {
	resetForTest(t)
	st := &State{
		Credentials: []Record{{ID: "cred-1", Label: "primary", Active: true}},
		Cursor:      1,
		StickyID:    "cred-1",
		Strategy:    "sticky",
	}
	Save(st)

	mu.Lock()
	current = nil
	mu.Unlock()

	loaded := Load()
	require.Len(t, loaded.Credentials, 1)
	assert.Equal(t, "cred-1", loaded.Credentials[0].ID)
	assert.Equal(t, "sticky", loaded.Strategy)
}

func TestMutate_PersistsAndSyncsConfigMirror(t *testing.T) {
	resetForTest(t)

	Mutate(func(st *State) {
		st.Credentials = append(st.Credentials, Record{ID: "a", Label: "account-a", Active: true})
	})

	cfg := config.Current()
	assert.Equal(t, []string{"account-a"}, cfg.KnownCredentialLabels)

	reloaded := Load()
	require.Len(t, reloaded.Credentials, 1)
	assert.Equal(t, "account-a", reloaded.Credentials[0].Label)
}

func TestCurrent_LoadsLazilyWhenUnset(t *testing.T) {
	resetForTest(t)
	got := Current()
	assert.NotNil(t, got)
}

func TestQuotaSnapshot_FetchedAtRoundTrips(t *testing.T) {
	resetForTest(t)
	now := time.Now().Truncate(time.Second).UTC()
	st := &State{Credentials: []Record{{
		ID: "a",
		Quota: QuotaSnapshot{
			Chat:      QuotaBucket{PercentRemaining: 42},
			FetchedAt: now,
		},
	}}}
	Save(st)

	mu.Lock()
	current = nil
	mu.Unlock()

	loaded := Load()
	require.Len(t, loaded.Credentials, 1)
	assert.True(t, loaded.Credentials[0].Quota.FetchedAt.Equal(now))
	assert.Equal(t, float64(42), loaded.Credentials[0].Quota.Chat.PercentRemaining)
}
