package usecase

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"go.ngs.io/datacube/internal/cube"
	"go.ngs.io/datacube/internal/domain"
	"go.ngs.io/datacube/internal/merge"
)

// MergeRequest loads two cubes and merges them
type MergeRequest struct {
	First  LoadRequest
	Second LoadRequest

	// Resolver names the overlap resolver, empty when the cubes must not collide
	Resolver string
	Context  map[string]any
}

// MergeUseCase orchestrates a merge of two loaded cubes
type MergeUseCase struct {
	loads  *LoadUseCase
	engine *merge.Engine
	log    zerolog.Logger
}

// NewMergeUseCase creates a new merge use case
func NewMergeUseCase(loads *LoadUseCase, engine *merge.Engine, log zerolog.Logger) *MergeUseCase {
	return &MergeUseCase{loads: loads, engine: engine, log: log.With().Str("component", "merge_usecase").Logger()}
}

// Execute loads both sides and merges them
func (uc *MergeUseCase) Execute(ctx context.Context, req MergeRequest) (*cube.Cube, error) {
	var r merge.Resolver
	if req.Resolver != "" {
		var err error
		if r, err = merge.ResolverByName(req.Resolver); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}

	first, err := uc.loads.Execute(ctx, req.First)
	if err != nil {
		return nil, fmt.Errorf("failed to load first cube: %w", err)
	}
	second, err := uc.loads.Execute(ctx, req.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to load second cube: %w", err)
	}
	if bands, err := domain.NewBandDimension(req.First.Bands); err == nil {
		if err := bands.Merges(&domain.BandDimension{Values: req.Second.Bands}); err == nil {
			uc.log.Debug().Strs("bands", bands.Values).Msg("merging loaded cubes")
		}
	}
	return uc.Merge(first.Cube, second.Cube, r, req.Context)
}

// Merge merges two cubes that are already loaded
func (uc *MergeUseCase) Merge(c1, c2 *cube.Cube, r merge.Resolver, ctx map[string]any) (*cube.Cube, error) {
	out, err := uc.engine.Merge(c1, c2, r, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to merge cubes: %w", err)
	}
	resolver := ""
	if r != nil {
		resolver = r.Name()
	}
	uc.log.Debug().Str("resolver", resolver).Ints("shape", out.Shape()).Msg("merge complete")
	return out, nil
}
