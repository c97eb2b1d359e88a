package dns

import (
	"context"
	"fmt"

	"github.com/mjl-/adns"
)

// MockResolver is a Resolver for testing, answering reverse lookups from a
// static map.
type MockResolver struct {
	PTR  map[string][]string // IP string, to names with trailing dot.
	Fail bool                // If set, all lookups return a temporary error.
}

var _ Resolver = MockResolver{}

func (r MockResolver) LookupAddr(ctx context.Context, addr string) ([]string, adns.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, adns.Result{}, err
	}
	if r.Fail {
		return nil, adns.Result{}, &adns.DNSError{Err: "temporary failure", Name: addr, IsTemporary: true}
	}
	names, ok := r.PTR[addr]
	if !ok {
		return nil, adns.Result{}, &adns.DNSError{Err: fmt.Sprintf("no ptr for %s", addr), Name: addr, IsNotFound: true}
	}
	return names, adns.Result{}, nil
}
