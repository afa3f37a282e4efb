// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import "strings"

// Kind is the exposition metric type
type Kind string

const (
	Counter Kind = "counter"
	Gauge   Kind = "gauge"
)

// Metric is one rendered series: a pre-formatted value plus its
// attribute mapping. Attribute keys are unique; iteration order is the
// map's natural order, so callers needing byte-stable output keep the
// mapping to a single attribute.
type Metric struct {
	Name       string
	Help       string
	Kind       Kind
	Value      string
	Attributes map[string]string
}

// FormatMetric renders one exposition line: name{k="v",k2="v2"} value\n.
// The brace block is omitted entirely when attributes is empty.
func FormatMetric(name, value string, attributes map[string]string) string {
	var b strings.Builder
	b.WriteString(name)
	if len(attributes) > 0 {
		b.WriteByte('{')
		first := true
		for k, v := range attributes {
			if !first {
				b.WriteByte(',')
			}
			first = false
			b.WriteString(k)
			b.WriteString(`="`)
			b.WriteString(v)
			b.WriteByte('"')
		}
		b.WriteByte('}')
	}
	b.WriteByte(' ')
	b.WriteString(value)
	b.WriteByte('\n')
	return b.String()
}

// PushMetric appends a metric's HELP and TYPE header lines plus its
// already-rendered series lines to body. It does not deduplicate:
// calling it twice for one metric name repeats the headers, so callers
// batch all series of a name into a single call.
func PushMetric(body, help string, kind Kind, name, lines string) string {
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("# HELP ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(help)
	b.WriteString("\n# TYPE ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(string(kind))
	b.WriteByte('\n')
	b.WriteString(lines)
	return b.String()
}

// renderBody turns an ordered metric list into a full exposition body,
// batching consecutive records sharing a name under one header pair.
func renderBody(metrics []Metric) string {
	body := ""
	for i := 0; i < len(metrics); {
		var lines strings.Builder
		j := i
		for ; j < len(metrics) && metrics[j].Name == metrics[i].Name; j++ {
			lines.WriteString(FormatMetric(metrics[j].Name, metrics[j].Value, metrics[j].Attributes))
		}
		body = PushMetric(body, metrics[i].Help, metrics[i].Kind, metrics[i].Name, lines.String())
		i = j
	}
	return body
}
