package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Service answers catalog lookups with a redis read-through cache. Concurrent
// misses for the same key collapse into one repository query.
type Service struct {
	repo   Repository
	cache  *Cache
	logger *slog.Logger
	group  singleflight.Group
}

// NewService builds the catalog Service.
func NewService(repo Repository, cache *Cache, logger *slog.Logger) *Service {
	return &Service{repo: repo, cache: cache, logger: logger}
}

// Facility returns the facility by id.
func (s *Service) Facility(ctx context.Context, id uuid.UUID) (Facility, error) {
	key := fmt.Sprintf("catalog:facility:%s", id)
	var cached Facility
	if hit, err := s.cache.get(ctx, key, &cached); err != nil {
		s.logger.Warn("catalog cache read", slog.Any("error", err))
	} else if hit {
		return cached, nil
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		f, err := s.repo.Facility(ctx, id)
		if err != nil {
			return Facility{}, err
		}
		if err := s.cache.set(ctx, key, f); err != nil {
			s.logger.Warn("catalog cache write", slog.Any("error", err))
		}
		return f, nil
	})
	if err != nil {
		return Facility{}, err
	}
	return v.(Facility), nil
}

// Program returns the program by id.
func (s *Service) Program(ctx context.Context, id uuid.UUID) (Program, error) {
	key := fmt.Sprintf("catalog:program:%s", id)
	var cached Program
	if hit, err := s.cache.get(ctx, key, &cached); err != nil {
		s.logger.Warn("catalog cache read", slog.Any("error", err))
	} else if hit {
		return cached, nil
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		p, err := s.repo.Program(ctx, id)
		if err != nil {
			return Program{}, err
		}
		if err := s.cache.set(ctx, key, p); err != nil {
			s.logger.Warn("catalog cache write", slog.Any("error", err))
		}
		return p, nil
	})
	if err != nil {
		return Program{}, err
	}
	return v.(Program), nil
}

// ProductByCode returns the product identified by its product code.
func (s *Service) ProductByCode(ctx context.Context, code string) (Product, error) {
	key := fmt.Sprintf("catalog:product:%s", code)
	var cached Product
	if hit, err := s.cache.get(ctx, key, &cached); err != nil {
		s.logger.Warn("catalog cache read", slog.Any("error", err))
	} else if hit {
		return cached, nil
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		p, err := s.repo.ProductByCode(ctx, code)
		if err != nil {
			return Product{}, err
		}
		if err := s.cache.set(ctx, key, p); err != nil {
			s.logger.Warn("catalog cache write", slog.Any("error", err))
		}
		return p, nil
	})
	if err != nil {
		return Product{}, err
	}
	return v.(Product), nil
}
