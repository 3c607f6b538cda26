/*
registry.go - Tier catalog management

INVARIANT:
  At most one active tier has IsDefault = true. Saving a default tier
  clears IsDefault on every other tier in the same transaction, so readers
  never observe zero-then-one or two defaults mid-write.

REFERENTIAL INTEGRITY:
  Delete refuses while any user's CurrentTierID points at the tier. The
  caller must reassign those users first (AssignTierToUser).
*/
package loyalty

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TierRegistry owns the catalog of reward tiers.
type TierRegistry struct {
	store TxStore
	opts  Options
}

func NewTierRegistry(store TxStore, opts Options) *TierRegistry {
	return &TierRegistry{store: store, opts: opts.withDefaults()}
}

// Create validates and stores a new tier. An empty ID gets a UUID.
func (r *TierRegistry) Create(ctx context.Context, t RewardTier) (RewardTier, error) {
	if err := ValidateTier(t); err != nil {
		return RewardTier{}, err
	}
	if t.ID == "" {
		t.ID = TierID(uuid.NewString())
	}
	now := r.opts.Clock.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	err := runTx(ctx, r.store, r.opts, "tier:"+string(t.ID), func(s Store) error {
		if _, err := s.GetTier(ctx, t.ID); err == nil {
			return &InvalidStateError{Reason: "tier " + string(t.ID) + " already exists"}
		} else if !IsNotFound(err) {
			return err
		}
		return r.save(ctx, s, t)
	})
	if err != nil {
		return RewardTier{}, err
	}
	r.opts.Logger.Info("reward tier created",
		zap.String("tier_id", string(t.ID)), zap.Int("level", t.Level), zap.Bool("default", t.IsDefault))
	return t, nil
}

// Update applies a partial update.
func (r *TierRegistry) Update(ctx context.Context, id TierID, patch TierPatch) (RewardTier, error) {
	var updated RewardTier
	err := runTx(ctx, r.store, r.opts, "tier:"+string(id), func(s Store) error {
		current, err := s.GetTier(ctx, id)
		if err != nil {
			return err
		}
		updated = patch.Apply(current)
		if err := ValidateTier(updated); err != nil {
			return err
		}
		updated.UpdatedAt = r.opts.Clock.Now()
		return r.save(ctx, s, updated)
	})
	if err != nil {
		return RewardTier{}, err
	}
	r.opts.Logger.Info("reward tier updated", zap.String("tier_id", string(id)))
	return updated, nil
}

// save writes t, first clearing the default flag on every other tier if t is
// the default.
func (r *TierRegistry) save(ctx context.Context, s Store, t RewardTier) error {
	if t.IsDefault {
		tiers, err := s.ListTiers(ctx)
		if err != nil {
			return err
		}
		for _, other := range tiers {
			if other.ID == t.ID || !other.IsDefault {
				continue
			}
			other.IsDefault = false
			other.UpdatedAt = t.UpdatedAt
			if err := s.SaveTier(ctx, other); err != nil {
				return err
			}
		}
	}
	return s.SaveTier(ctx, t)
}

// Delete removes a tier no user references.
func (r *TierRegistry) Delete(ctx context.Context, id TierID) error {
	err := runTx(ctx, r.store, r.opts, "tier:"+string(id), func(s Store) error {
		if _, err := s.GetTier(ctx, id); err != nil {
			return err
		}
		n, err := s.CountUsersWithTier(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return &ReferentialIntegrityError{TierID: id, Users: n}
		}
		return s.DeleteTier(ctx, id)
	})
	if err != nil {
		return err
	}
	r.opts.Logger.Info("reward tier deleted", zap.String("tier_id", string(id)))
	return nil
}

func (r *TierRegistry) Get(ctx context.Context, id TierID) (RewardTier, error) {
	return r.store.GetTier(ctx, id)
}

// List returns tiers ascending by level, active only unless includeInactive.
func (r *TierRegistry) List(ctx context.Context, includeInactive bool) ([]RewardTier, error) {
	tiers, err := r.store.ListTiers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RewardTier, 0, len(tiers))
	for _, t := range tiers {
		if t.Active || includeInactive {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

// DefaultTier returns the active default tier, or nil.
func (r *TierRegistry) DefaultTier(ctx context.Context) (*RewardTier, error) {
	return defaultTier(ctx, r.store)
}

func defaultTier(ctx context.Context, s Store) (*RewardTier, error) {
	tiers, err := s.ListTiers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tiers {
		if tiers[i].Active && tiers[i].IsDefault {
			return &tiers[i], nil
		}
	}
	return nil, nil
}
