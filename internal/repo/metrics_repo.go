// Package repo implements the data persistence layer for the proxy cache,
// backed by GORM. This file provides small aggregate queries over the
// upstream_metrics table consumed by the admin domain endpoint.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-api-proxy/internal/domain"
)

// InsertUpstreamMetric records one upstream interaction (or cache hit).
// Failures here must never affect the client response; callers log and move on.
func InsertUpstreamMetric(ctx context.Context, db *gorm.DB, m *domain.UpstreamMetric) error {
	return withLockRetry(ctx, func() error {
		return db.WithContext(ctx).Create(m).Error
	})
}

// DomainUpstreamStats aggregates recorded upstream interactions for one alias.
type DomainUpstreamStats struct {
	TotalRequests int64      `json:"total_requests"`
	CacheHits     int64      `json:"cache_hits"`
	ErrorCount    int64      `json:"error_count"`
	ErrorRate     float64    `json:"error_rate"`
	AvgLatencyMS  float64    `json:"average_latency_ms"`
	LastSuccess   *time.Time `json:"last_successful_request,omitempty"`
	LastError     *time.Time `json:"last_error,omitempty"`
}

// UpstreamStatsByDomain returns per-alias aggregates over metrics recorded
// since the given instant. Statuses >= 500 and the synthesized 502 count as
// errors.
func UpstreamStatsByDomain(ctx context.Context, db *gorm.DB, since time.Time) (map[string]DomainUpstreamStats, error) {
	var rows []struct {
		Domain string
		Total  int64
		Hits   int64
		Errs   int64
		AvgLat float64
	}
	err := db.WithContext(ctx).
		Model(&domain.UpstreamMetric{}).
		Select(
			"domain, "+
				"COUNT(*) as total, "+
				"SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END) as hits, "+
				"SUM(CASE WHEN status_code >= 500 THEN 1 ELSE 0 END) as errs, "+
				"AVG(latency_ms) as avg_lat").
		Where("created_at >= ?", since).
		Group("domain").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[string]DomainUpstreamStats, len(rows))
	for _, r := range rows {
		s := DomainUpstreamStats{
			TotalRequests: r.Total,
			CacheHits:     r.Hits,
			ErrorCount:    r.Errs,
			AvgLatencyMS:  r.AvgLat,
		}
		if r.Total > 0 {
			s.ErrorRate = float64(r.Errs) / float64(r.Total)
		}
		if t, err := lastMetricAt(ctx, db, r.Domain, since, false); err == nil {
			s.LastSuccess = t
		}
		if t, err := lastMetricAt(ctx, db, r.Domain, since, true); err == nil {
			s.LastError = t
		}
		out[r.Domain] = s
	}
	return out, nil
}

// lastMetricAt returns the timestamp of the most recent matching metric row,
// or nil when there is none.
func lastMetricAt(ctx context.Context, db *gorm.DB, alias string, since time.Time, errored bool) (*time.Time, error) {
	q := db.WithContext(ctx).
		Model(&domain.UpstreamMetric{}).
		Where("domain = ? AND created_at >= ?", alias, since)
	if errored {
		q = q.Where("status_code >= 500")
	} else {
		q = q.Where("status_code < 500")
	}
	var row struct{ CreatedAt time.Time }
	res := q.Select("created_at").Order("created_at desc").Limit(1).Scan(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &row.CreatedAt, nil
}

// PruneUpstreamMetrics removes metric rows older than the cutoff so the
// table stays bounded. Returns the number of rows removed.
func PruneUpstreamMetrics(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	var affected int64
	err := withLockRetry(ctx, func() error {
		res := db.WithContext(ctx).
			Where("created_at < ?", cutoff).
			Delete(&domain.UpstreamMetric{})
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}
