package service

import (
	"context"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/drawledger/internal/drawing/domain"
	"go.uber.org/zap"
)

// VerifyProject audits the lineage of every key in a project.
func (s *Service) VerifyProject(ctx context.Context, projectID int64) (domain.IntegrityReport, error) {
	report := domain.IntegrityReport{
		ProjectID:        projectID,
		DuplicateHeads:   []domain.LineageKey{},
		DanglingPointers: []snowflake.ID{},
		BackwardPointers: []snowflake.ID{},
		CrossKeyPointers: []snowflake.ID{},
		Suspended:        []snowflake.ID{},
	}
	if projectID <= 0 {
		return report, domain.ErrInvalidProject
	}
	cols, err := s.columns(ctx)
	if err != nil {
		return report, err
	}

	items, err := s.repo.List(ctx, s.db, cols, domain.ListFilter{ProjectID: projectID}, false)
	if err != nil {
		return report, err
	}
	report.Rows = len(items)

	byID := make(map[snowflake.ID]domain.DrawingRevision, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	heads := map[string]int{}
	keys := map[string]domain.LineageKey{}
	for _, item := range items {
		key := item.Key()
		if item.Status == domain.StatusSuspended {
			report.Suspended = append(report.Suspended, item.ID)
		}
		if item.IsHead() {
			report.Heads++
			heads[key.String()]++
			keys[key.String()] = key
		}
		if item.SupersededBy == nil {
			continue
		}
		next, ok := byID[*item.SupersededBy]
		switch {
		case !ok:
			report.DanglingPointers = append(report.DanglingPointers, item.ID)
		case next.ID <= item.ID || next.CreatedAt.Before(item.CreatedAt):
			report.BackwardPointers = append(report.BackwardPointers, item.ID)
		case next.Key().String() != key.String():
			report.CrossKeyPointers = append(report.CrossKeyPointers, item.ID)
		}
	}

	for name, count := range heads {
		if count > 1 {
			report.DuplicateHeads = append(report.DuplicateHeads, keys[name])
		}
	}
	sort.Slice(report.DuplicateHeads, func(i, j int) bool {
		return report.DuplicateHeads[i].String() < report.DuplicateHeads[j].String()
	})

	if !report.Healthy() {
		s.log.Warn("ledger integrity violations",
			zap.Int64("project_id", projectID),
			zap.Int("duplicate_heads", len(report.DuplicateHeads)),
			zap.Int("dangling", len(report.DanglingPointers)),
			zap.Int("backward", len(report.BackwardPointers)),
			zap.Int("cross_key", len(report.CrossKeyPointers)),
			zap.Int("suspended", len(report.Suspended)),
		)
	}
	return report, nil
}
