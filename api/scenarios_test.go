package api_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/api"
)

func (s *testServer) loadScenario(id string) api.UserRewardsDTO {
	s.t.Helper()
	var resp map[string]string
	require.Equal(s.t, http.StatusOK, s.do(http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: id}, &resp))
	require.Equal(s.t, "loaded", resp["status"])

	var user api.UserRewardsDTO
	require.Equal(s.t, http.StatusOK, s.do(http.MethodGet, "/api/users/"+resp["user_id"], nil, &user))
	return user
}

func TestScenarios(t *testing.T) {
	tests := []struct {
		id        string
		tier      string
		spend     int64
		orders    int64
		total     int64
		available int64
	}{
		{"new-customer", "bronze", 12500, 1, 125, 125},
		{"frequent-shopper", "silver", 60000, 6, 100 + 5*300, 1600},
		{"lapsed-customer", "bronze", 60000, 3, 200 + 200 + 300, 700},
		{"refund", "bronze", 40000, 1, 400, 0},
		{"vip-override", "platinum", 8000, 1, 80, 80},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			// GIVEN: an empty catalog
			s := newTestServer(t)

			// WHEN: loading the scenario
			user := s.loadScenario(tt.id)

			// THEN: the ledger matches the scenario's history
			require.NotNil(t, user.CurrentTierID)
			assert.Equal(t, tt.tier, *user.CurrentTierID)
			assert.Equal(t, tt.spend, user.LifetimeSpendingCents)
			assert.Equal(t, tt.orders, user.TotalOrders)
			assert.Equal(t, tt.total, user.TotalPoints)
			assert.Equal(t, tt.available, user.AvailablePoints)
		})
	}
}

func TestScenario_ReloadIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	first := s.loadScenario("frequent-shopper")
	second := s.loadScenario("frequent-shopper")

	assert.Equal(t, first.TotalPoints, second.TotalPoints)
	assert.Equal(t, first.TotalOrders, second.TotalOrders)

	var tiers []api.TierDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/tiers", nil, &tiers))
	assert.Len(t, tiers, 4, "the ladder is seeded once")
}

func TestScenario_VIPOverride(t *testing.T) {
	s := newTestServer(t)
	user := s.loadScenario("vip-override")
	assert.True(t, user.IsVIP)

	var benefits api.BenefitsDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/users/demo-vip-override/benefits", nil, &benefits))
	assert.False(t, benefits.FreeShipping, "override beats the tier")
	assert.True(t, benefits.EarlyAccess)

	// A later sweep keeps the hand-assigned tier.
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/admin/reevaluate", nil, nil))
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/users/demo-vip-override", nil, &user))
	assert.Equal(t, "platinum", *user.CurrentTierID)
	assert.True(t, user.TierAssignedManually)
}

func TestScenarioEndpoints(t *testing.T) {
	s := newTestServer(t)

	var list []api.ScenarioDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/scenarios", nil, &list))
	assert.Len(t, list, 5)

	var current *api.ScenarioDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/scenarios/current", nil, &current))
	assert.Nil(t, current)

	assert.Equal(t, http.StatusBadRequest,
		s.do(http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "nope"}, nil))

	s.loadScenario("refund")
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/scenarios/current", nil, &current))
	require.NotNil(t, current)
	assert.Equal(t, "refund", current.ID)

	var history []api.ActivityDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/users/demo-refund/history", nil, &history))
	require.Len(t, history, 3)
	assert.Equal(t, int64(-300), history[0].Points)
	assert.Equal(t, int64(-100), history[1].Points)
}
