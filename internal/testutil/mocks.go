package testutil

import (
	"context"

	"github.com/dgellow/fedlogin/internal/storage"
	"github.com/stretchr/testify/mock"
)

// MockPlatformLinker stands in for the Firebase account link.
type MockPlatformLinker struct {
	mock.Mock
}

func (m *MockPlatformLinker) Link(ctx context.Context, idToken string) (storage.PlatformCredential, error) {
	args := m.Called(ctx, idToken)
	return args.Get(0).(storage.PlatformCredential), args.Error(1)
}
