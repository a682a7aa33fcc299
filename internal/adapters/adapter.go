package adapters

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/yield-autopilot/internal/model"
)

// Adapter is the contract every yield venue implements. The core never
// inspects a built Call beyond its target and selector.
type Adapter interface {
	// Name is the stable protocol identifier (e.g. "aave-v3")
	Name() string

	// Enabled reports whether the adapter participates in fan-out
	Enabled() bool

	// Opportunities reports the venue's current deposit options
	Opportunities(ctx context.Context) ([]model.Opportunity, error)

	// Positions reports the account's holdings in this venue
	Positions(ctx context.Context, account common.Address) ([]model.Position, error)

	// BuildDeposit returns the calls that move amount into the vault
	// for the account (approval first, then the deposit itself)
	BuildDeposit(ctx context.Context, amount *big.Int, account, vault common.Address) ([]model.Call, error)

	// BuildWithdraw returns the calls that redeem shares from the vault
	// back to the account
	BuildWithdraw(ctx context.Context, account, vault common.Address, shares *big.Int) ([]model.Call, error)

	// PreviewRedeem re-derives the exact underlying amount obtainable
	// for shares right now; callers must never substitute a sentinel
	// "maximum" value for this figure
	PreviewRedeem(ctx context.Context, vault common.Address, shares *big.Int) (*big.Int, error)
}

// Registry fans out to all enabled adapters concurrently and flattens
// their responses. Individual adapter failures produce partial results,
// not a hard error; only total failure is an error.
type Registry struct {
	adapters []Adapter
	onError  func(adapter string, err error)
}

// NewRegistry builds a registry over the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters}
}

// WithErrorHook registers a callback invoked per adapter failure, used
// by the server to count provider errors.
func (r *Registry) WithErrorHook(hook func(adapter string, err error)) *Registry {
	r.onError = hook
	return r
}

// ByName looks up an adapter by its protocol identifier.
func (r *Registry) ByName(name string) (Adapter, bool) {
	for _, a := range r.adapters {
		if a.Name() == name {
			return a, true
		}
	}
	return nil, false
}

// Enabled lists the currently enabled adapters.
func (r *Registry) Enabled() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		if a.Enabled() {
			out = append(out, a)
		}
	}
	return out
}

// Opportunities gathers opportunities from all enabled venues, sorted
// descending by yield so consumers can treat the head as the best offer.
func (r *Registry) Opportunities(ctx context.Context) ([]model.Opportunity, error) {
	var (
		mu   sync.Mutex
		opps []model.Opportunity
		errs []error
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, adapter := range r.Enabled() {
		adapter := adapter
		g.Go(func() error {
			found, err := adapter.Opportunities(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", adapter.Name(), err))
				r.reportError(adapter.Name(), err)
				return nil
			}
			opps = append(opps, found...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(opps) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("all adapters failed: %v", errs[0])
	}

	sort.SliceStable(opps, func(i, j int) bool {
		return opps[i].APY > opps[j].APY
	})
	return opps, nil
}

// Positions gathers the account's holdings across all enabled venues.
func (r *Registry) Positions(ctx context.Context, account common.Address) ([]model.Position, error) {
	var (
		mu        sync.Mutex
		positions []model.Position
		errs      []error
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, adapter := range r.Enabled() {
		adapter := adapter
		g.Go(func() error {
			found, err := adapter.Positions(ctx, account)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", adapter.Name(), err))
				r.reportError(adapter.Name(), err)
				return nil
			}
			positions = append(positions, found...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(positions) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("all adapters failed: %v", errs[0])
	}
	return positions, nil
}

// VaultAPY fetches the live yield rate for one vault through its
// protocol's adapter.
func (r *Registry) VaultAPY(ctx context.Context, protocol string, vault common.Address) (float64, error) {
	adapter, ok := r.ByName(protocol)
	if !ok {
		return 0, fmt.Errorf("unknown protocol %q", protocol)
	}

	opps, err := adapter.Opportunities(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading %s rates: %w", protocol, err)
	}
	for _, opp := range opps {
		if opp.Vault == vault {
			return opp.APY, nil
		}
	}
	return 0, fmt.Errorf("vault %s not reported by %s", vault.Hex(), protocol)
}

func (r *Registry) reportError(adapter string, err error) {
	logrus.Warnf("Adapter %s failed: %v", adapter, err)
	if r.onError != nil {
		r.onError(adapter, err)
	}
}
