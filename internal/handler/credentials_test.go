package handler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/haatos/simple-cd/internal/broker"
	"github.com/haatos/simple-cd/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockCredentialExchanger struct {
	mock.Mock
}

func (m *MockCredentialExchanger) Exchange(ctx context.Context, token string) (*broker.Claims, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.Claims), args.Error(1)
}

func TestCredentialHandler_PostExchange(t *testing.T) {
	t.Run("success - token yields claims", func(t *testing.T) {
		// arrange
		mockExchanger := new(MockCredentialExchanger)
		mockExchanger.On("Exchange", context.Background(), "token").Return(&broker.Claims{
			CredentialID: "c1",
			Scope:        broker.Scope{Repository: "org/app", Environment: "staging", Ref: "refs/heads/main"},
			Claims:       []string{"deploy:staging"},
			ExpiresAt:    time.Now().Add(time.Minute).UTC(),
		}, nil)
		c, rec := newJSONContext(t, http.MethodPost, "/api/credentials/exchange", ExchangeParams{Token: "token"})
		h := NewCredentialHandler(mockExchanger)

		// act
		err := h.PostExchange(c)

		// assert
		require.NoError(t, err)
		assert.Contains(t, rec.Body.String(), `"deploy:staging"`)
	})
	t.Run("failure - revoked token", func(t *testing.T) {
		// arrange
		mockExchanger := new(MockCredentialExchanger)
		mockExchanger.On("Exchange", context.Background(), "token").
			Return(nil, fault.Policy("broker", "exchange", fault.ErrRevoked))
		c, _ := newJSONContext(t, http.MethodPost, "/api/credentials/exchange", ExchangeParams{Token: "token"})
		h := NewCredentialHandler(mockExchanger)

		// act
		err := h.PostExchange(c)

		// assert
		assertHTTPError(t, err, http.StatusForbidden)
		assert.ErrorIs(t, err, fault.ErrRevoked)
	})
	t.Run("failure - missing token", func(t *testing.T) {
		// arrange
		mockExchanger := new(MockCredentialExchanger)
		c, _ := newJSONContext(t, http.MethodPost, "/api/credentials/exchange", ExchangeParams{})
		h := NewCredentialHandler(mockExchanger)

		// act
		err := h.PostExchange(c)

		// assert
		assertHTTPError(t, err, http.StatusBadRequest)
	})
}
