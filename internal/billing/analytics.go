package billing

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/outsoor/billing/internal/ledger"
)

const (
	recentTransactions = 10
	monthlyUsageWindow = 12
	defaultUsageDays   = 30
	maxUsageDays       = 365
)

// MonthlyUsage aggregates usage logs of one calendar month (UTC).
type MonthlyUsage struct {
	Month      time.Time       `json:"month"`
	TotalCost  decimal.Decimal `json:"total_cost"`
	UsageCount int64           `json:"usage_count"`
}

// ServiceUsage aggregates usage logs of one service type.
type ServiceUsage struct {
	ServiceType       string          `json:"service_type"`
	TotalCost         decimal.Decimal `json:"total_cost"`
	UsageCount        int64           `json:"usage_count"`
	TotalTokens       int64           `json:"total_tokens"`
	AvgCostPerRequest decimal.Decimal `json:"avg_cost_per_request"`
}

// DailyUsage aggregates usage logs of one day (UTC).
type DailyUsage struct {
	Date          string          `json:"date"`
	DailyCost     decimal.Decimal `json:"daily_cost"`
	DailyRequests int64           `json:"daily_requests"`
}

// BillingInfo is the dashboard summary of one user.
type BillingInfo struct {
	Credits      ledger.Account       `json:"credits"`
	Transactions []ledger.Transaction `json:"transactions"`
	MonthlyUsage []MonthlyUsage       `json:"monthlyUsage"`
}

// UsageAnalytics is the per-service and per-day usage of a period.
type UsageAnalytics struct {
	ServiceBreakdown []ServiceUsage `json:"serviceBreakdown"`
	DailyUsage       []DailyUsage   `json:"dailyUsage"`
	Period           int            `json:"period"`
}

// BillingInfo returns the balance, recent transactions and monthly usage of userID.
func (s *Service) BillingInfo(ctx context.Context, userID string) (BillingInfo, error) {
	acct, err := s.Balance(ctx, userID)
	if err != nil {
		return BillingInfo{}, err
	}
	txns, err := s.store.ListTransactions(ctx, ledger.TransactionFilter{UserID: acct.UserID, Limit: recentTransactions})
	if err != nil {
		return BillingInfo{}, err
	}
	now := s.now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -(monthlyUsageWindow - 1), 0)
	logs, err := s.store.UsageSince(ctx, acct.UserID, start)
	if err != nil {
		return BillingInfo{}, err
	}
	if txns == nil {
		txns = []ledger.Transaction{}
	}
	return BillingInfo{Credits: acct, Transactions: txns, MonthlyUsage: monthlyUsage(logs)}, nil
}

// UsageAnalytics returns usage of the last days days; days is clamped to 1..365
// and defaults to 30.
func (s *Service) UsageAnalytics(ctx context.Context, userID string, days int) (UsageAnalytics, error) {
	days = ClampDays(days)
	if _, err := s.Balance(ctx, userID); err != nil {
		return UsageAnalytics{}, err
	}
	since := s.now().UTC().AddDate(0, 0, -days)
	logs, err := s.store.UsageSince(ctx, userID, since)
	if err != nil {
		return UsageAnalytics{}, err
	}
	return UsageAnalytics{
		ServiceBreakdown: serviceBreakdown(logs),
		DailyUsage:       dailyUsage(logs),
		Period:           days,
	}, nil
}

// ClampDays normalises an analytics window.
func ClampDays(days int) int {
	switch {
	case days <= 0:
		return defaultUsageDays
	case days > maxUsageDays:
		return maxUsageDays
	}
	return days
}

// monthlyUsage groups logs by month, newest first.
func monthlyUsage(logs []ledger.UsageLog) []MonthlyUsage {
	index := map[time.Time]*MonthlyUsage{}
	for _, l := range logs {
		t := l.CreatedAt.UTC()
		key := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		m, ok := index[key]
		if !ok {
			m = &MonthlyUsage{Month: key}
			index[key] = m
		}
		m.TotalCost = m.TotalCost.Add(l.Cost)
		m.UsageCount++
	}
	out := make([]MonthlyUsage, 0, len(index))
	for _, m := range index {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month.After(out[j].Month) })
	if len(out) > monthlyUsageWindow {
		out = out[:monthlyUsageWindow]
	}
	return out
}

// serviceBreakdown groups logs by service type, most expensive first.
func serviceBreakdown(logs []ledger.UsageLog) []ServiceUsage {
	index := map[string]*ServiceUsage{}
	for _, l := range logs {
		u, ok := index[l.ServiceType]
		if !ok {
			u = &ServiceUsage{ServiceType: l.ServiceType}
			index[l.ServiceType] = u
		}
		u.TotalCost = u.TotalCost.Add(l.Cost)
		u.TotalTokens += l.TokensUsed
		u.UsageCount++
	}
	out := make([]ServiceUsage, 0, len(index))
	for _, u := range index {
		u.AvgCostPerRequest = u.TotalCost.Div(decimal.NewFromInt(u.UsageCount)).Round(ledger.MicroDigits)
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].TotalCost.Cmp(out[j].TotalCost); c != 0 {
			return c > 0
		}
		return out[i].ServiceType < out[j].ServiceType
	})
	return out
}

// dailyUsage groups logs by day, oldest first.
func dailyUsage(logs []ledger.UsageLog) []DailyUsage {
	index := map[string]*DailyUsage{}
	for _, l := range logs {
		key := l.CreatedAt.UTC().Format("2006-01-02")
		d, ok := index[key]
		if !ok {
			d = &DailyUsage{Date: key}
			index[key] = d
		}
		d.DailyCost = d.DailyCost.Add(l.Cost)
		d.DailyRequests++
	}
	out := make([]DailyUsage, 0, len(index))
	for _, d := range index {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
