// Package dns wraps the adns resolver for the lookups the server needs,
// enforcing absolute names and adding logging.
package dns

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mjl-/adns"

	"github.com/wrenmail/wren/mlog"
)

// Resolver does the DNS lookups the server makes. The IMAP server only needs
// reverse lookups, for the client hostname logged and used in the greeting
// path.
type Resolver interface {
	// LookupAddr performs a reverse lookup. Returned names are absolute, with
	// trailing dot.
	LookupAddr(ctx context.Context, addr string) ([]string, adns.Result, error)
}

// StrictResolver is an adns.Resolver that ensures names returned are
// absolute, preventing "search"-relative interpretation by callers.
type StrictResolver struct {
	Pkg      string         // Name of subsystem making DNS requests, for logging.
	Resolver *adns.Resolver // If nil, adns.DefaultResolver is used.
}

var _ Resolver = StrictResolver{}

func (r StrictResolver) log() mlog.Log {
	pkg := r.Pkg
	if pkg == "" {
		pkg = "dns"
	}
	return mlog.New(pkg, nil)
}

func (r StrictResolver) resolver() *adns.Resolver {
	if r.Resolver == nil {
		return adns.DefaultResolver
	}
	return r.Resolver
}

func (r StrictResolver) LookupAddr(ctx context.Context, addr string) (resp []string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		r.log().Debugx("dns lookupaddr result", err,
			slog.String("addr", addr),
			slog.Any("resp", resp),
			slog.Duration("duration", time.Since(start)))
	}()
	resp, result, err = r.resolver().LookupAddr(ctx, addr)
	if err != nil {
		return nil, result, err
	}
	for i, s := range resp {
		if !strings.HasSuffix(s, ".") {
			return nil, result, fmt.Errorf("lookup addr %s: adns returned relative name %q", addr, s)
		}
		resp[i] = s
	}
	return resp, result, nil
}
