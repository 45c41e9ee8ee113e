package output

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/postpace/postpace/internal/core"
)

const (
	contentWidth = 48
	timeLayout   = "2006-01-02 15:04:05"
)

// Items renders queue items in the order given.
func Items(format Format, items []*core.QueueItem) (string, error) {
	return render(format, itemsView(items))
}

// Item renders one queue item with its attempt history.
func Item(format Format, item *core.QueueItem) (string, error) {
	return render(format, itemView{item: item})
}

// QueueStats renders counts by status and priority.
func QueueStats(format Format, stats core.QueueStats) (string, error) {
	return render(format, statsView(stats))
}

// Conflicts renders groups of items scheduled too close together.
func Conflicts(format Format, groups [][]*core.QueueItem) (string, error) {
	return render(format, conflictsView(groups))
}

// Endpoints renders the governor's per-endpoint view.
func Endpoints(format Format, stats core.GovernorStats) (string, error) {
	return render(format, endpointsView(stats))
}

// Usage renders daily bucket usage.
func Usage(format Format, usage []core.DailyUsage) (string, error) {
	return render(format, usageView(usage))
}

// Events renders rate limit audit events.
func Events(format Format, events []core.RateLimitEvent) (string, error) {
	return render(format, eventsView(events))
}

// Health renders governor health issues and warnings.
func Health(format Format, health core.GovernorHealth) (string, error) {
	return render(format, healthView(health))
}

type itemsView []*core.QueueItem

func (v itemsView) payload() any {
	if v == nil {
		return []*core.QueueItem{}
	}
	return []*core.QueueItem(v)
}

func (v itemsView) table() table.Writer {
	t := newTable(table.Row{"ID", "Action", "Priority", "Status", "Scheduled", "Target / Content", "Retries"})
	for _, item := range v {
		if item == nil {
			continue
		}
		t.AppendRow(table.Row{
			shortID(item.ID),
			string(item.Action),
			item.Priority.String(),
			string(item.Status),
			formatTime(item.ScheduledAt),
			summary(item),
			fmt.Sprintf("%d/%d", item.RetryCount, item.MaxRetries),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", fmt.Sprintf("%d items", len(v)), ""})
	return t
}

type itemView struct {
	item *core.QueueItem
}

func (v itemView) payload() any { return v.item }

func (v itemView) table() table.Writer {
	t := newTable(table.Row{"Field", "Value"})
	item := v.item
	if item == nil {
		return t
	}
	t.AppendRows([]table.Row{
		{"ID", item.ID},
		{"Action", string(item.Action)},
		{"Status", string(item.Status)},
		{"Priority", item.Priority.String()},
		{"Scheduled", formatTime(item.ScheduledAt)},
		{"Created", formatTime(item.CreatedAt)},
	})
	if item.Target != "" {
		t.AppendRow(table.Row{"Target", item.Target})
	}
	if item.Content != "" {
		t.AppendRow(table.Row{"Content", item.Content})
	}
	if len(item.DependsOn) > 0 {
		t.AppendRow(table.Row{"Depends on", strings.Join(item.DependsOn, ", ")})
	}
	if len(item.Tags) > 0 {
		t.AppendRow(table.Row{"Tags", strings.Join(item.Tags, ", ")})
	}
	t.AppendRow(table.Row{"Retries", fmt.Sprintf("%d/%d", item.RetryCount, item.MaxRetries)})
	if item.CompletedAt != nil {
		t.AppendRow(table.Row{"Completed", formatTime(*item.CompletedAt)})
	}
	if item.ErrorMessage != "" {
		t.AppendRow(table.Row{"Error", item.ErrorMessage})
	}
	for i, attempt := range item.History {
		t.AppendRow(table.Row{fmt.Sprintf("Attempt %d", i+1), formatTime(attempt.At) + "  " + attempt.Error})
	}
	return t
}

type statsView core.QueueStats

func (v statsView) payload() any { return core.QueueStats(v) }

func (v statsView) table() table.Writer {
	t := newTable(table.Row{"Group", "Key", "Count"})
	for _, status := range core.AllStatuses {
		t.AppendRow(table.Row{"status", string(status), v.ByStatus[status]})
	}
	for _, priority := range []core.Priority{core.PriorityUrgent, core.PriorityHigh, core.PriorityNormal, core.PriorityLow} {
		if n := v.ByPriority[priority.String()]; n > 0 {
			t.AppendRow(table.Row{"waiting", priority.String(), n})
		}
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d active", v.Active), v.Total})
	return t
}

type conflictsView [][]*core.QueueItem

func (v conflictsView) payload() any {
	if v == nil {
		return [][]*core.QueueItem{}
	}
	return [][]*core.QueueItem(v)
}

func (v conflictsView) table() table.Writer {
	t := newTable(table.Row{"Group", "ID", "Action", "Scheduled", "Target / Content"})
	for i, group := range v {
		for _, item := range group {
			t.AppendRow(table.Row{i + 1, shortID(item.ID), string(item.Action), formatTime(item.ScheduledAt), summary(item)})
		}
		if i < len(v)-1 {
			t.AppendSeparator()
		}
	}
	return t
}

type endpointsView core.GovernorStats

func (v endpointsView) payload() any { return core.GovernorStats(v) }

func (v endpointsView) table() table.Writer {
	t := newTable(table.Row{"Endpoint", "Limit", "Remaining", "Usage", "Reset", "Tokens", "Breaker", "Allowed", "Denied"})
	for _, ep := range v.Endpoints {
		t.AppendRow(table.Row{
			ep.Endpoint,
			fmt.Sprintf("%d/%s", ep.MaxRequests, ep.Window),
			ep.Remaining,
			fmt.Sprintf("%.0f%%", ep.UsagePercent),
			formatDuration(ep.ResetAfter),
			ep.BucketTokens,
			breakerLabel(ep),
			ep.Allowed,
			ep.Denied,
		})
	}
	t.AppendFooter(table.Row{
		fmt.Sprintf("%d endpoints", v.ConfiguredEndpoints), "", "", "", "", "",
		fmt.Sprintf("%d open", v.OpenBreakers), v.TotalAllowed, v.TotalDenied,
	})
	return t
}

type usageView []core.DailyUsage

func (v usageView) payload() any {
	if v == nil {
		return []core.DailyUsage{}
	}
	return []core.DailyUsage(v)
}

func (v usageView) table() table.Writer {
	t := newTable(table.Row{"Date", "Bucket", "Used", "Limit", "Remaining", "Usage"})
	for _, u := range v {
		t.AppendRow(table.Row{u.Date, u.Bucket, u.Used, u.Limit, u.Remaining, fmt.Sprintf("%.0f%%", u.Percent)})
	}
	return t
}

type eventsView []core.RateLimitEvent

func (v eventsView) payload() any {
	if v == nil {
		return []core.RateLimitEvent{}
	}
	return []core.RateLimitEvent(v)
}

func (v eventsView) table() table.Writer {
	t := newTable(table.Row{"Time", "Endpoint", "Action", "Result", "Details"})
	for _, e := range v {
		t.AppendRow(table.Row{formatTime(e.CreatedAt), e.Endpoint, e.Action, e.Result, e.Details})
	}
	return t
}

type healthView core.GovernorHealth

func (v healthView) payload() any { return core.GovernorHealth(v) }

func (v healthView) table() table.Writer {
	status := "healthy"
	if !v.Healthy {
		status = "unhealthy"
	}
	t := newTable(table.Row{"Level", "Message"})
	issues := append([]string(nil), v.Issues...)
	warnings := append([]string(nil), v.Warnings...)
	sort.Strings(issues)
	sort.Strings(warnings)
	for _, issue := range issues {
		t.AppendRow(table.Row{"issue", issue})
	}
	for _, warning := range warnings {
		t.AppendRow(table.Row{"warning", warning})
	}
	t.AppendFooter(table.Row{status, fmt.Sprintf("%d endpoints, %d active breakers", v.EndpointsCount, v.ActiveBreakers)})
	return t
}

func summary(item *core.QueueItem) string {
	text := item.Content
	if item.Target != "" {
		if text == "" {
			text = item.Target
		} else {
			text = item.Target + ": " + text
		}
	}
	return truncate(strings.Join(strings.Fields(text), " "), contentWidth)
}

func truncate(text string, width int) string {
	runes := []rune(text)
	if len(runes) <= width {
		return text
	}
	return string(runes[:width-1]) + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}

func breakerLabel(ep core.EndpointStatus) string {
	if ep.BreakerFailures > 0 {
		return fmt.Sprintf("%s (%d)", ep.BreakerState, ep.BreakerFailures)
	}
	return string(ep.BreakerState)
}
