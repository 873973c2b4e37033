package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func label(v string) string { return labelEscaper.Replace(v) }

// FormatPrometheus renders snap in the Prometheus text format.
// See https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	header := func(name, typ, help string) {
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
	}

	header("billing_uptime_seconds", "gauge", "Time since billingd started")
	fmt.Fprintf(&sb, "billing_uptime_seconds %d\n\n", snap.Uptime)

	header("billing_http_requests_total", "counter", "Requests served by route")
	for _, route := range sortedKeys(snap.Requests) {
		fmt.Fprintf(&sb, "billing_http_requests_total{route=\"%s\"} %d\n", label(route), snap.Requests[route])
	}
	sb.WriteString("\n")

	header("billing_http_request_duration_ms_total", "counter", "Cumulative request latency in milliseconds by route")
	for _, route := range sortedKeys(snap.RequestsDurMS) {
		fmt.Fprintf(&sb, "billing_http_request_duration_ms_total{route=\"%s\"} %d\n", label(route), snap.RequestsDurMS[route])
	}
	sb.WriteString("\n")

	header("billing_http_server_errors_total", "counter", "Responses with a 5xx status by route")
	for _, route := range sortedKeys(snap.ServerErrors) {
		fmt.Fprintf(&sb, "billing_http_server_errors_total{route=\"%s\"} %d\n", label(route), snap.ServerErrors[route])
	}
	sb.WriteString("\n")

	header("billing_http_requests_in_flight", "gauge", "Requests currently being served")
	fmt.Fprintf(&sb, "billing_http_requests_in_flight %d\n\n", snap.InFlight)

	header("billing_rate_limit_hits_total", "counter", "Requests rejected with 429 by limiter")
	for _, name := range sortedKeys(snap.RateLimitHits) {
		fmt.Fprintf(&sb, "billing_rate_limit_hits_total{limiter=\"%s\"} %d\n", label(name), snap.RateLimitHits[name])
	}
	sb.WriteString("\n")

	header("billing_deductions_total", "counter", "Successful credit deductions")
	fmt.Fprintf(&sb, "billing_deductions_total %d\n\n", snap.Deductions)

	header("billing_deducted_credits_total", "counter", "Credits removed by deductions")
	fmt.Fprintf(&sb, "billing_deducted_credits_total %s\n\n", snap.Deducted.String())

	header("billing_deductions_denied_total", "counter", "Deductions refused for insufficient credit")
	fmt.Fprintf(&sb, "billing_deductions_denied_total %d\n\n", snap.DeductionDenials)

	header("billing_webhook_events_total", "counter", "Reconciled payment notifications by provider and action")
	for _, provider := range sortedKeys(snap.WebhookOutcomes) {
		byAction := snap.WebhookOutcomes[provider]
		for _, action := range sortedKeys(byAction) {
			fmt.Fprintf(&sb, "billing_webhook_events_total{provider=\"%s\",action=\"%s\"} %d\n", label(provider), label(action), byAction[action])
		}
	}
	sb.WriteString("\n")

	header("billing_credited_credits_total", "counter", "Credits added by payment notifications by provider")
	for _, provider := range sortedKeys(snap.Credited) {
		fmt.Fprintf(&sb, "billing_credited_credits_total{provider=\"%s\"} %s\n", label(provider), snap.Credited[provider].String())
	}

	return sb.String()
}

// Handler serves the collector's snapshot.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(FormatPrometheus(c.Snapshot())))
	})
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
