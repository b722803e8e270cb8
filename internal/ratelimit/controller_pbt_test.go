package ratelimit

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/commerce-harvester/internal/types"
)

func TestReduceRateProperties(t *testing.T) {
	c, _, _, _ := setupController(t)
	ctx := context.Background()
	properties := gopter.NewProperties(nil)

	expected := func(base int, ceiling Rate) Rate {
		want := Rate(base / 2)
		if !ceiling.IsUnlimited() && want > ceiling {
			want = ceiling
		}
		if want < DefaultMinRate {
			want = DefaultMinRate
		}
		return want
	}

	properties.Property("provided limit halves within [min, default]", prop.ForAll(
		func(provided int) bool {
			r, err := c.ReduceRate(ctx, types.ProviderEtsy, &provided)
			return err == nil && r.Current == expected(provided, DefaultEtsyRate)
		},
		gen.IntRange(0, 10000),
	))

	properties.Property("repeated reductions never go below the floor", prop.ForAll(
		func(steps int) bool {
			if err := c.Reset(ctx, types.ProviderShopify); err != nil {
				return false
			}
			var last Rate
			for i := 0; i < steps; i++ {
				r, err := c.ReduceRate(ctx, types.ProviderShopify, nil)
				if err != nil || r.Current > r.Previous || r.Current < DefaultMinRate {
					return false
				}
				last = r.Current
			}
			return steps == 0 || last == DefaultMinRate
		},
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t)
}
