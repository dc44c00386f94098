package service

import (
	"context"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/drawledger/internal/drawing/domain"
	"go.uber.org/zap"
)

const (
	viewActive  = "active"
	viewHistory = "history"
)

func (s *Service) ListActive(ctx context.Context, filter domain.ListFilter) ([]domain.DrawingRevision, error) {
	return s.list(ctx, filter, true)
}

func (s *Service) ListAll(ctx context.Context, filter domain.ListFilter) ([]domain.DrawingRevision, error) {
	return s.list(ctx, filter, false)
}

// list reads without locks. A package-scoped query that finds nothing is retried once
// project-wide, since rows written before packages existed carry no package.
func (s *Service) list(ctx context.Context, filter domain.ListFilter, headsOnly bool) ([]domain.DrawingRevision, error) {
	if filter.ProjectID <= 0 {
		return nil, domain.ErrInvalidProject
	}
	if filter.PackageID != nil && *filter.PackageID <= 0 {
		return nil, domain.ErrInvalidPackage
	}

	cols, err := s.columns(ctx)
	if err != nil {
		return nil, err
	}

	view := viewActive
	if !headsOnly {
		view = viewHistory
	}

	items, err := s.repo.List(ctx, s.db, cols, filter, headsOnly)
	if err != nil {
		return nil, err
	}

	widened := false
	if len(items) == 0 && filter.PackageID != nil && cols.HasPackage() && s.cfg.Get().PackageFallback {
		widened = true
		wide := filter
		wide.PackageID = nil
		items, err = s.repo.List(ctx, s.db, cols, wide, headsOnly)
		if err != nil {
			return nil, err
		}
		s.log.Debug("package query widened to project",
			zap.Int64("project_id", filter.ProjectID),
			zap.Int64("package_id", *filter.PackageID),
			zap.Int("rows", len(items)),
		)
	}

	s.otel.RecordQuery(ctx, view, widened)
	return items, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.DrawingRevision, error) {
	if id <= 0 {
		return domain.DrawingRevision{}, domain.ErrInvalidID
	}
	cols, err := s.columns(ctx)
	if err != nil {
		return domain.DrawingRevision{}, err
	}

	item, err := s.repo.FindByID(ctx, s.db, cols, id)
	if err != nil {
		return domain.DrawingRevision{}, err
	}
	if item == nil {
		return domain.DrawingRevision{}, domain.ErrNotFound
	}
	return *item, nil
}

// Lineage returns every revision of the key that id belongs to, oldest first, in
// supersede order.
func (s *Service) Lineage(ctx context.Context, id snowflake.ID) ([]domain.DrawingRevision, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cols, err := s.columns(ctx)
	if err != nil {
		return nil, err
	}

	items, err := s.repo.ListByKey(ctx, s.db, cols, item.Key())
	if err != nil {
		return nil, err
	}
	return orderChain(items), nil
}

// orderChain walks superseded_by pointers from each chain start. Rows not reachable
// from a start (broken legacy links) are appended in id order.
func orderChain(items []domain.DrawingRevision) []domain.DrawingRevision {
	byID := make(map[snowflake.ID]domain.DrawingRevision, len(items))
	pointedTo := make(map[snowflake.ID]bool, len(items))
	for _, item := range items {
		byID[item.ID] = item
		if item.SupersededBy != nil {
			pointedTo[*item.SupersededBy] = true
		}
	}

	sorted := append([]domain.DrawingRevision(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	out := make([]domain.DrawingRevision, 0, len(items))
	visited := make(map[snowflake.ID]bool, len(items))
	for _, start := range sorted {
		if pointedTo[start.ID] || visited[start.ID] {
			continue
		}
		for cur, ok := start, true; ok && !visited[cur.ID]; {
			visited[cur.ID] = true
			out = append(out, cur)
			if cur.SupersededBy == nil {
				break
			}
			cur, ok = byID[*cur.SupersededBy]
		}
	}
	for _, item := range sorted {
		if !visited[item.ID] {
			out = append(out, item)
		}
	}
	return out
}
