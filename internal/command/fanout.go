package command

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// FanoutIssuer issues the same command over several strategies concurrently.
// It succeeds when at least one strategy accepted the command; duplicate
// snapshots that result are absorbed by the router's completion latch.
type FanoutIssuer struct {
	issuers []Issuer
	logger  *zap.Logger
}

// NewFanoutIssuer combines issuers. Nil entries are skipped.
func NewFanoutIssuer(logger *zap.Logger, issuers ...Issuer) *FanoutIssuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	kept := make([]Issuer, 0, len(issuers))
	for _, issuer := range issuers {
		if issuer != nil {
			kept = append(kept, issuer)
		}
	}
	return &FanoutIssuer{issuers: kept, logger: logger}
}

// Strategy implements Issuer.
func (f *FanoutIssuer) Strategy() string {
	names := make([]string, 0, len(f.issuers))
	for _, issuer := range f.issuers {
		names = append(names, issuer.Strategy())
	}
	return "fanout(" + strings.Join(names, ",") + ")"
}

// Issue runs every strategy and waits for all of them. Partial failures are
// logged; only a total failure is returned, wrapping ErrNotAccepted.
func (f *FanoutIssuer) Issue(ctx context.Context, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if len(f.issuers) == 0 {
		return fmt.Errorf("fanout %s: no strategies: %w", cmd.Name, ErrNotAccepted)
	}

	var accepted atomic.Int32
	p := pool.New().WithErrors().WithContext(ctx)
	for _, issuer := range f.issuers {
		p.Go(func(ctx context.Context) error {
			if err := issuer.Issue(ctx, cmd); err != nil {
				return fmt.Errorf("%s: %w", issuer.Strategy(), err)
			}
			accepted.Add(1)
			return nil
		})
	}
	err := p.Wait()

	if accepted.Load() == 0 {
		return fmt.Errorf("fanout %s: %w: %w", cmd.Name, ErrNotAccepted, err)
	}
	if err != nil {
		f.logger.Warn("command partially delivered",
			zap.String("command", string(cmd.Name)),
			zap.String("request_id", cmd.RequestID),
			zap.Int32("accepted", accepted.Load()),
			zap.Error(err),
		)
	}
	return nil
}
