/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built customer histories that exercise the engine end to
  end: paid orders flow through the same settlement path as the order
  pipeline, so the resulting ledgers, tiers and activity are exactly what
  production would produce for that history.

AVAILABLE SCENARIOS:
  new-customer:      One order at the base rate
  frequent-shopper:  Weekly orders at 3x, climbing to Silver
  lapsed-customer:   A long gap resets the multiplier, a return visit earns 1.5x
  refund:            Partial then full refund of an order
  vip-override:      Manual tier, VIP flag and a free shipping override

HOW SCENARIOS WORK:
 1. Seed the stock tier ladder if the catalog is empty
 2. Record the scenario's orders with the order projection
 3. Settle each payment event through the ledger

Each scenario uses its own customer ("demo-<scenario>") and order IDs.
Orders are settled at most once, so loading a scenario twice changes
nothing. No data is deleted.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "frequent-shopper"}

SEE ALSO:
  - handlers.go: Order pipeline handlers using the same ledger calls
  - factory/tier.go: DefaultLadder
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "new-customer",
		Name:        "New Customer",
		Description: "First order earns points at the base rate",
		Category:    "earning",
	},
	{
		ID:          "frequent-shopper",
		Name:        "Frequent Shopper",
		Description: "Six weekly orders at 3x, promoted to Silver",
		Category:    "earning",
	},
	{
		ID:          "lapsed-customer",
		Name:        "Lapsed Customer",
		Description: "45 days away resets the multiplier; returning 30 days later earns 1.5x",
		Category:    "earning",
	},
	{
		ID:          "refund",
		Name:        "Refund",
		Description: "A quarter of an order refunded, then the remainder",
		Category:    "refunds",
	},
	{
		ID:          "vip-override",
		Name:        "VIP Override",
		Description: "Top tier assigned by hand, VIP flag set, free shipping switched off",
		Category:    "admin",
	},
}

const day = 24 * time.Hour

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s, _ := findScenario(current)
	writeJSON(w, http.StatusOK, s)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if _, ok := findScenario(req.ScenarioID); !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.loadScenario(ctx, req.ScenarioID, time.Now().UTC()); err != nil {
		h.writeEngineError(w, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.Logger.Info("scenario loaded", zap.String("scenario", req.ScenarioID))
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
		"user_id":  scenarioUser(req.ScenarioID),
	})
}

func findScenario(id string) (ScenarioDTO, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return ScenarioDTO{ID: id, Name: id}, false
}

func scenarioUser(id string) string { return "demo-" + id }

// loadScenario replays a scenario with its last event at now.
func (h *Handler) loadScenario(ctx context.Context, id string, now time.Time) error {
	if err := h.ensureLadder(ctx); err != nil {
		return err
	}
	p := &scenarioPlayer{h: h, user: loyalty.UserID(scenarioUser(id)), prefix: scenarioUser(id)}

	switch id {
	case "new-customer":
		return p.pay(ctx, 1, now, 12500)

	case "frequent-shopper":
		for i := 0; i < 6; i++ {
			if err := p.pay(ctx, i+1, now.Add(time.Duration(i-5)*7*day), 10000); err != nil {
				return err
			}
		}
		return nil

	case "lapsed-customer":
		if err := p.pay(ctx, 1, now.Add(-75*day), 20000); err != nil {
			return err
		}
		if err := p.pay(ctx, 2, now.Add(-30*day), 20000); err != nil {
			return err
		}
		return p.pay(ctx, 3, now, 20000)

	case "refund":
		if err := p.pay(ctx, 1, now.Add(-2*day), 40000); err != nil {
			return err
		}
		if err := p.refund(ctx, 1, loyalty.PaymentPartiallyRefunded, 10000); err != nil {
			return err
		}
		return p.refund(ctx, 1, loyalty.PaymentRefunded, 40000)

	case "vip-override":
		if err := p.pay(ctx, 1, now.Add(-3*day), 8000); err != nil {
			return err
		}
		tiers, err := h.Engine.GetRewardTiers(ctx, false)
		if err != nil {
			return err
		}
		if len(tiers) > 0 {
			top := tiers[len(tiers)-1]
			if _, err := h.Engine.Ledger.AssignTierToUser(ctx, p.user, top.ID); err != nil {
				return err
			}
		}
		if _, err := h.Engine.Ledger.SetVIPStatus(ctx, p.user, true, "demo account"); err != nil {
			return err
		}
		off := false
		_, err = h.Engine.Ledger.SetFreeShippingOverride(ctx, p.user, &off)
		return err
	}
	return fmt.Errorf("unknown scenario %q", id)
}

// ensureLadder creates the stock ladder when the catalog is empty.
func (h *Handler) ensureLadder(ctx context.Context) error {
	existing, err := h.Engine.GetRewardTiers(ctx, true)
	if err != nil || len(existing) > 0 {
		return err
	}
	for _, t := range factory.DefaultLadder() {
		if _, err := h.Engine.Registry.Create(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// SCENARIO PLAYER
// =============================================================================

// scenarioPlayer records orders for one demo customer.
type scenarioPlayer struct {
	h      *Handler
	user   loyalty.UserID
	prefix string
	orders map[int]loyalty.Order
}

func (p *scenarioPlayer) orderID(n int) loyalty.OrderID {
	return loyalty.OrderID(fmt.Sprintf("%s-%d", p.prefix, n))
}

func (p *scenarioPlayer) pay(ctx context.Context, n int, paidAt time.Time, cents int64) error {
	o := loyalty.Order{
		ID:         p.orderID(n),
		UserID:     p.user,
		TotalCents: cents,
		Items:      []loyalty.OrderItem{{ProductID: "demo-product", TotalPriceCents: cents}},
		Payment:    loyalty.Payment{Status: loyalty.PaymentCompleted, PaidAt: &paidAt},
	}
	if err := p.h.Orders.SaveOrder(ctx, o); err != nil {
		return err
	}
	if p.orders == nil {
		p.orders = make(map[int]loyalty.Order)
	}
	p.orders[n] = o
	_, err := p.h.Engine.Ledger.AwardPointsFromOrder(ctx, o.ID)
	return err
}

func (p *scenarioPlayer) refund(ctx context.Context, n int, status loyalty.PaymentStatus, cents int64) error {
	o, ok := p.orders[n]
	if !ok {
		return fmt.Errorf("scenario order %d was never paid", n)
	}
	o.Payment.Status = status
	o.Payment.RefundAmountCents = cents
	if err := p.h.Orders.SaveOrder(ctx, o); err != nil {
		return err
	}
	p.orders[n] = o
	_, err := p.h.Engine.Ledger.DeductPointsFromRefund(ctx, o.ID)
	return err
}
