package main

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

const (
	requestEventName   = "taskhub.request"
	requestEventDomain = "taskhub.api"

	attrRoute      = "http.route"
	attrMethod     = "http.method"
	attrStatusCode = "http.status_code"
	attrTotalMs    = "taskhub.request.total_ms"
	attrAuthMs     = "taskhub.request.auth_ms"
	attrItems      = "taskhub.request.items"
	attrErrorStage = "taskhub.request.error_stage"
)

// logRecord is one JSON log line as the API writes it.
type logRecord struct {
	EventName    string         `json:"event.name"`
	EventDomain  string         `json:"event.domain"`
	SeverityText string         `json:"severity_text"`
	Attributes   map[string]any `json:"attributes"`
}

type numericStats struct {
	Count int
	Sum   float64
	Min   float64
	Max   float64
}

func newNumericStats() *numericStats { return &numericStats{Min: math.MaxFloat64} }

func (n *numericStats) add(v float64) {
	n.Count++
	n.Sum += v
	n.Min = min(n.Min, v)
	n.Max = max(n.Max, v)
}

type statsSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

func (n *numericStats) summary() statsSummary {
	if n == nil || n.Count == 0 {
		return statsSummary{}
	}
	return statsSummary{Count: n.Count, Min: n.Min, Max: n.Max, Avg: n.Sum / float64(n.Count)}
}

type collector struct {
	eventName   string
	eventDomain string

	count       int
	skipped     int
	severity    map[string]int
	statuses    map[int]int
	routes      map[string]int
	errorStages map[string]int
	durations   map[string]*numericStats
	items       *numericStats
}

func newCollector(eventName, eventDomain string) *collector {
	return &collector{
		eventName:   eventName,
		eventDomain: eventDomain,
		severity:    make(map[string]int),
		statuses:    make(map[int]int),
		routes:      make(map[string]int),
		errorStages: make(map[string]int),
		durations:   make(map[string]*numericStats),
	}
}

// ingest consumes one log line. Lines prefixed by a container name and a
// pipe, as docker compose prints them, are accepted too.
func (c *collector) ingest(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	if pipe := strings.Index(trimmed, "|"); pipe >= 0 && !strings.HasPrefix(trimmed, "{") {
		trimmed = strings.TrimSpace(trimmed[pipe+1:])
	}
	var rec logRecord
	dec := sonic.ConfigStd.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		c.skipped++
		return
	}
	if rec.EventName != c.eventName {
		return
	}
	if c.eventDomain != "" && rec.EventDomain != c.eventDomain {
		return
	}
	c.add(rec)
}

func (c *collector) add(rec logRecord) {
	c.count++
	sev := strings.ToUpper(strings.TrimSpace(rec.SeverityText))
	if sev == "" {
		sev = "UNSPECIFIED"
	}
	c.severity[sev]++

	attrs := rec.Attributes
	if attrs == nil {
		return
	}
	if status, ok := asFloat(attrs[attrStatusCode]); ok {
		c.statuses[int(status)]++
	}
	route, _ := attrs[attrRoute].(string)
	method, _ := attrs[attrMethod].(string)
	if route != "" {
		c.routes[strings.TrimSpace(method+" "+route)]++
	}
	for key, name := range map[string]string{attrTotalMs: "total", attrAuthMs: "auth"} {
		if v, ok := asFloat(attrs[key]); ok {
			stat, exists := c.durations[name]
			if !exists {
				stat = newNumericStats()
				c.durations[name] = stat
			}
			stat.add(v)
		}
	}
	if v, ok := asFloat(attrs[attrItems]); ok {
		if c.items == nil {
			c.items = newNumericStats()
		}
		c.items.add(v)
	}
	if stage, ok := attrs[attrErrorStage].(string); ok && stage != "" {
		c.errorStages[stage]++
	}
}

type summaryOutput struct {
	EventName      string                  `json:"event_name"`
	EventDomain    string                  `json:"event_domain"`
	TotalEvents    int                     `json:"total_events"`
	SeverityCounts map[string]int          `json:"severity_counts"`
	StatusCounts   map[string]int          `json:"status_counts"`
	Routes         map[string]int          `json:"routes"`
	DurationMs     map[string]statsSummary `json:"duration_ms"`
	Items          statsSummary            `json:"items"`
	ErrorStages    map[string]int          `json:"error_stages,omitempty"`
	SkippedLines   int                     `json:"skipped_lines"`
}

func (c *collector) summary() summaryOutput {
	durations := make(map[string]statsSummary, len(c.durations))
	for k, v := range c.durations {
		durations[k] = v.summary()
	}
	statuses := make(map[string]int, len(c.statuses))
	for k, v := range c.statuses {
		statuses[strconv.Itoa(k)] = v
	}
	out := summaryOutput{
		EventName:      c.eventName,
		EventDomain:    c.eventDomain,
		TotalEvents:    c.count,
		SeverityCounts: c.severity,
		StatusCounts:   statuses,
		Routes:         c.routes,
		DurationMs:     durations,
		Items:          c.items.summary(),
		SkippedLines:   c.skipped,
	}
	if len(c.errorStages) > 0 {
		out.ErrorStages = c.errorStages
	}
	return out
}

func (s summaryOutput) ShortString() string {
	total := s.DurationMs["total"]
	return strings.Join([]string{
		"event=" + s.EventName,
		"total=" + strconv.Itoa(s.TotalEvents),
		"info=" + strconv.Itoa(s.SeverityCounts["INFO"]),
		"warn=" + strconv.Itoa(s.SeverityCounts["WARN"]),
		"error=" + strconv.Itoa(s.SeverityCounts["ERROR"]),
		"avg_total_ms=" + strconv.FormatFloat(total.Avg, 'f', 2, 64),
		"max_total_ms=" + strconv.FormatFloat(total.Max, 'f', 2, 64),
	}, " ")
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}
