package login

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dgellow/fedlogin/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createPending(t *testing.T, store storage.PendingStore, state string, flow storage.FlowKind, ttl time.Duration) {
	t.Helper()
	now := time.Now()
	require.NoError(t, store.CreatePending(context.Background(), &storage.PendingAuthorization{
		StateToken:  state,
		Nonce:       "nonce-" + state,
		Flow:        flow,
		RedirectURI: testRedirectURI,
		ReturnURL:   "/after",
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, store *storage.MemoryStorage)
		state   string
		code    string
		wantErr error
	}{
		{
			name:    "unknown state",
			state:   "S1",
			code:    "C1",
			wantErr: ErrUnknownState,
		},
		{
			name:    "empty state",
			state:   "",
			code:    "C1",
			wantErr: ErrUnknownState,
		},
		{
			name: "expired state",
			setup: func(t *testing.T, store *storage.MemoryStorage) {
				createPending(t, store, "S1", storage.FlowRedirect, -time.Second)
			},
			state:   "S1",
			code:    "C1",
			wantErr: ErrExpiredState,
		},
		{
			name: "popup state on redirect callback",
			setup: func(t *testing.T, store *storage.MemoryStorage) {
				createPending(t, store, "S1", storage.FlowPopup, time.Minute)
			},
			state:   "S1",
			code:    "C1",
			wantErr: ErrUnknownState,
		},
		{
			name: "valid",
			setup: func(t *testing.T, store *storage.MemoryStorage) {
				createPending(t, store, "S1", storage.FlowRedirect, time.Minute)
			},
			state: "S1",
			code:  "C1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStorage()
			if tt.setup != nil {
				tt.setup(t, store)
			}

			vc, err := NewValidator(store).Validate(context.Background(), tt.state, tt.code)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, vc.valid())
				return
			}
			require.NoError(t, err)
			assert.True(t, vc.valid())
			assert.Equal(t, "/after", vc.ReturnURL())
		})
	}
}

func TestValidate_EmptyCodeKeepsState(t *testing.T) {
	store := storage.NewMemoryStorage()
	createPending(t, store, "S1", storage.FlowRedirect, time.Minute)
	validator := NewValidator(store)

	_, err := validator.Validate(context.Background(), "S1", "")
	assert.ErrorIs(t, err, ErrUnknownState)

	_, err = validator.Validate(context.Background(), "S1", "C1")
	assert.NoError(t, err)
}

func TestValidate_Replay(t *testing.T) {
	store := storage.NewMemoryStorage()
	createPending(t, store, "S1", storage.FlowRedirect, time.Minute)
	validator := NewValidator(store)

	_, err := validator.Validate(context.Background(), "S1", "C1")
	require.NoError(t, err)

	_, err = validator.Validate(context.Background(), "S1", "C1")
	assert.ErrorIs(t, err, ErrReplayedState)
}

func TestValidate_ConcurrentCallbacks(t *testing.T) {
	store := storage.NewMemoryStorage()
	createPending(t, store, "S1", storage.FlowRedirect, time.Minute)
	validator := NewValidator(store)

	const n = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		replays   int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := validator.Validate(context.Background(), "S1", "C1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case assert.ErrorIs(t, err, ErrReplayedState):
				replays++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, replays)
}

func TestValidate_FlowMismatchNeverSpendsState(t *testing.T) {
	store := storage.NewMemoryStorage()
	createPending(t, store, "S1", storage.FlowPopup, time.Minute)
	validator := NewValidator(store)

	// Repeated redirect callbacks with a popup state cannot lock out the popup
	for range 5 {
		_, err := validator.Validate(context.Background(), "S1", "C1")
		assert.ErrorIs(t, err, ErrUnknownState)
	}

	va, err := validator.ValidateAssertion(context.Background(), "S1", "eyJ.token")
	require.NoError(t, err)
	assert.Equal(t, Unverified("eyJ.token"), va.token)
}

func TestValidateAssertion(t *testing.T) {
	store := storage.NewMemoryStorage()
	createPending(t, store, "P1", storage.FlowPopup, time.Minute)
	createPending(t, store, "R1", storage.FlowRedirect, time.Minute)
	validator := NewValidator(store)

	_, err := validator.ValidateAssertion(context.Background(), "P1", "")
	assert.ErrorIs(t, err, ErrInvalidAssertion)

	_, err = validator.ValidateAssertion(context.Background(), "R1", "eyJ.token")
	assert.ErrorIs(t, err, ErrUnknownState)

	_, err = validator.ValidateAssertion(context.Background(), "missing", "eyJ.token")
	assert.ErrorIs(t, err, ErrUnknownState)

	va, err := validator.ValidateAssertion(context.Background(), "P1", "eyJ.token")
	require.NoError(t, err)
	assert.True(t, va.valid())

	_, err = validator.ValidateAssertion(context.Background(), "P1", "eyJ.token")
	assert.ErrorIs(t, err, ErrReplayedState)
}

func TestValidate_StoreFailure(t *testing.T) {
	_, err := NewValidator(failingPendingStore{err: errBackendDown}).Validate(context.Background(), "S1", "C1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, errBackendDown)
}
