package core

import (
	"net/url"
	"sort"
	"strings"
)

// AggregateMetrics sums counters across payloads and recomputes the derived
// ratios from the totals. Zero denominators yield zero.
func AggregateMetrics(payloads ...MetricPayload) MetricPayload {
	total := MetricPayload{}
	for _, payload := range payloads {
		total.Impressions += payload.Impressions
		total.Clicks += payload.Clicks
		total.Spend += payload.Spend
		total.Reach += payload.Reach
		total.Conversions += payload.Conversions
	}
	return withDerivedMetrics(total)
}

// RowsToPayload folds adapter rows into one payload.
func RowsToPayload(rows []MetricRow) MetricPayload {
	payloads := make([]MetricPayload, 0, len(rows))
	for _, row := range rows {
		payloads = append(payloads, MetricPayload{
			Impressions: row.Impressions,
			Clicks:      row.Clicks,
			Spend:       row.Spend,
			Reach:       row.Reach,
			Conversions: row.Conversions,
		})
	}
	return AggregateMetrics(payloads...)
}

func withDerivedMetrics(p MetricPayload) MetricPayload {
	impressions := float64(p.Impressions)
	clicks := float64(p.Clicks)
	p.CTR = ratio(clicks, impressions) * 100
	p.CPC = ratio(p.Spend, clicks)
	p.CPM = ratio(p.Spend, impressions) * 1000
	p.CostPerConversion = ratio(p.Spend, p.Conversions)
	p.ConversionRate = ratio(p.Conversions, clicks) * 100
	return p
}

func ratio(numerator, denominator float64) float64 {
	if denominator == 0 {
		return 0
	}
	return numerator / denominator
}

// MetricCacheKey builds the deterministic cache key for a query. Breakdowns
// are sorted and deduplicated so their order does not matter.
func MetricCacheKey(platform Platform, query MetricsQuery) string {
	scope := query.Scope
	if scope == "" {
		scope = ScopeAccount
	}
	objectID := strings.TrimSpace(query.ObjectID)
	if objectID == "" {
		objectID = strings.TrimSpace(query.AccountID)
	}

	seen := map[string]struct{}{}
	breakdowns := make([]string, 0, len(query.Breakdowns))
	for _, breakdown := range query.Breakdowns {
		breakdown = strings.ToLower(strings.TrimSpace(breakdown))
		if breakdown == "" {
			continue
		}
		if _, ok := seen[breakdown]; ok {
			continue
		}
		seen[breakdown] = struct{}{}
		breakdowns = append(breakdowns, url.PathEscape(breakdown))
	}
	sort.Strings(breakdowns)

	return strings.Join([]string{
		"metrics",
		url.PathEscape(strings.ToLower(string(platform))),
		url.PathEscape(strings.TrimSpace(query.AccountID)),
		url.PathEscape(strings.ToLower(string(scope))),
		url.PathEscape(objectID),
		query.DateRange.SinceString(),
		query.DateRange.UntilString(),
		strings.Join(breakdowns, ","),
	}, "::")
}
