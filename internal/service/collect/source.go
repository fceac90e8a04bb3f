package collect

import (
	"context"

	"github.com/tangy83/HandyConnect-sub003/internal/domain"
)

// Source produces metric readings on demand. Sample must honour ctx: the
// collector cancels slow sources and moves on without them.
type Source interface {
	Name() string
	Sample(ctx context.Context) ([]domain.Reading, error)
}

// Func adapts a plain closure into a Source.
func Func(name string, fn func(ctx context.Context) ([]domain.Reading, error)) Source {
	return funcSource{name: name, fn: fn}
}

type funcSource struct {
	name string
	fn   func(ctx context.Context) ([]domain.Reading, error)
}

func (s funcSource) Name() string { return s.name }

func (s funcSource) Sample(ctx context.Context) ([]domain.Reading, error) {
	return s.fn(ctx)
}
