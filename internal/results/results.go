// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package results implements the Results View: it reads a stored scan
// artifact, applies a field-projection schema and filters, paginates, and
// emits a newline-delimited JSON record stream.
package results

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/nessusapi/orchestrator/internal/pkg/errors"
)

// Profile is one of the fixed field-projection schemas.
type Profile string

const (
	ProfileMinimal Profile = "minimal"
	ProfileSummary Profile = "summary"
	ProfileBrief   Profile = "brief"
	ProfileFull    Profile = "full"
)

var profileFields = map[Profile][]string{
	ProfileMinimal: {"host", "plugin_id", "severity"},
	ProfileSummary: {"host", "plugin_id", "plugin_name", "severity", "port"},
	ProfileBrief:   {"host", "plugin_id", "plugin_name", "severity", "port", "protocol", "risk_factor"},
	ProfileFull: {
		"host", "plugin_id", "plugin_name", "severity", "port", "protocol",
		"risk_factor", "description", "solution", "plugin_output", "cve",
	},
}

// allFieldNames is used to validate a caller-supplied custom_fields list.
var allFieldNames = profileFields[ProfileFull]

// nessusDocument is the minimal XML shape needed to project vulnerability
// records; kept local to this package rather than shared with
// internal/validate because the two components read the same artifact for
// unrelated purposes and evolve independently.
type nessusDocument struct {
	XMLName xml.Name     `xml:"NessusClientData_v2"`
	Report  nessusReport `xml:"Report"`
}

type nessusReport struct {
	Name  string       `xml:"name,attr"`
	Hosts []nessusHost `xml:"ReportHost"`
}

type nessusHost struct {
	Name  string             `xml:"name,attr"`
	Items []nessusReportItem `xml:"ReportItem"`
}

type nessusReportItem struct {
	PluginID   string `xml:"pluginID,attr"`
	PluginName string `xml:"pluginName,attr"`
	Port       string `xml:"port,attr"`
	Protocol   string `xml:"protocol,attr"`
	Severity   string `xml:"severity,attr"`
	RiskFactor string `xml:"risk_factor"`
	Description string `xml:"description"`
	Solution   string `xml:"solution"`
	PluginOutput string `xml:"plugin_output"`
	CVE        []string `xml:"cve"`
}

// record is the flattened, filterable/projectable view of one finding.
type record struct {
	host       string
	pluginID   string
	pluginIDN  int
	fields     map[string]interface{}
}

func severityLabel(sev string) string {
	switch sev {
	case "4":
		return "critical"
	case "3":
		return "high"
	case "2":
		return "medium"
	case "1":
		return "low"
	default:
		return "info"
	}
}

func parseRecords(artifact []byte) (scanName string, recs []record, err error) {
	var doc nessusDocument
	if uerr := xml.Unmarshal(artifact, &doc); uerr != nil {
		return "", nil, uerr
	}
	for _, host := range doc.Report.Hosts {
		for _, item := range host.Items {
			pid, _ := strconv.Atoi(item.PluginID)
			fields := map[string]interface{}{
				"host":          host.Name,
				"plugin_id":     item.PluginID,
				"plugin_name":   item.PluginName,
				"severity":      severityLabel(item.Severity),
				"port":          item.Port,
				"protocol":      item.Protocol,
				"risk_factor":   item.RiskFactor,
				"description":   item.Description,
				"solution":      item.Solution,
				"plugin_output": item.PluginOutput,
				"cve":           item.CVE,
			}
			recs = append(recs, record{
				host:      host.Name,
				pluginID:  item.PluginID,
				pluginIDN: pid,
				fields:    fields,
			})
		}
	}
	return doc.Report.Name, recs, nil
}

// Filters is the AND-combined set of field matchers a caller supplies.
// Values are whatever the caller decoded from JSON: string (substring, or
// numeric-operator-prefixed for numeric fields), bool, or float64.
type Filters map[string]interface{}

// Request is the caller-supplied parameters for a results read.
type Request struct {
	SchemaProfile Profile
	CustomFields  []string
	Filters       Filters
	Page          int
	PageSize      int
}

// Metadata carries the scan-level fields emitted on the scan_metadata line.
type Metadata struct {
	Name      string `json:"name"`
	Targets   string `json:"targets"`
	StartedAt string `json:"started_at,omitempty"`
	StoppedAt string `json:"stopped_at,omitempty"`
	Policy    string `json:"policy,omitempty"`
}

// Render parses artifact and produces the newline-delimited JSON lines of
// spec §4.8, in order: schema, scan_metadata, vulnerability records,
// optional pagination.
func Render(artifact []byte, meta Metadata, req Request) ([]string, error) {
	if len(req.CustomFields) > 0 && req.SchemaProfile != "" && req.SchemaProfile != ProfileBrief {
		return nil, apperrors.NewInvalidInput("custom_fields is mutually exclusive with a non-brief schema_profile")
	}

	fields, err := resolveFields(req.SchemaProfile, req.CustomFields)
	if err != nil {
		return nil, err
	}

	_, recs, err := parseRecords(artifact)
	if err != nil {
		return nil, apperrors.WrapArtifactInvalid(err, "results view could not parse artifact")
	}

	totalBeforeFilter := len(recs)

	filtered := make([]record, 0, len(recs))
	for _, r := range recs {
		if matchesAll(r, req.Filters) {
			filtered = append(filtered, r)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].host != filtered[j].host {
			return filtered[i].host < filtered[j].host
		}
		if filtered[i].pluginIDN != filtered[j].pluginIDN {
			return filtered[i].pluginIDN < filtered[j].pluginIDN
		}
		return filtered[i].pluginID < filtered[j].pluginID
	})

	page, pageSize, paginated := clampPagination(req.Page, req.PageSize)

	pageRecords := filtered
	var totalPages int
	var hasNext bool
	if paginated {
		totalPages = (len(filtered) + pageSize - 1) / pageSize
		if totalPages == 0 {
			totalPages = 1
		}
		start := (page - 1) * pageSize
		if start > len(filtered) {
			start = len(filtered)
		}
		end := start + pageSize
		if end > len(filtered) {
			end = len(filtered)
		}
		pageRecords = filtered[start:end]
		hasNext = page < totalPages
	}

	lines := make([]string, 0, len(pageRecords)+3)

	schemaLine, err := json.Marshal(map[string]interface{}{
		"type":                 "schema",
		"profile":              req.SchemaProfile,
		"fields":               fields,
		"filters_applied":      req.Filters,
		"total_vulnerabilities": totalBeforeFilter,
	})
	if err != nil {
		return nil, apperrors.WrapInternal(err, "marshal schema line")
	}
	lines = append(lines, string(schemaLine))

	metaLine, err := json.Marshal(struct {
		Type string `json:"type"`
		Metadata
	}{Type: "scan_metadata", Metadata: meta})
	if err != nil {
		return nil, apperrors.WrapInternal(err, "marshal scan_metadata line")
	}
	lines = append(lines, string(metaLine))

	for _, r := range pageRecords {
		projected := project(r, fields)
		line, merr := json.Marshal(projected)
		if merr != nil {
			return nil, apperrors.WrapInternal(merr, "marshal vulnerability line")
		}
		lines = append(lines, string(line))
	}

	if paginated {
		pgLine, perr := json.Marshal(map[string]interface{}{
			"type":       "pagination",
			"page":       page,
			"page_size":  pageSize,
			"has_next":   hasNext,
			"total_pages": totalPages,
		})
		if perr != nil {
			return nil, apperrors.WrapInternal(perr, "marshal pagination line")
		}
		lines = append(lines, string(pgLine))
	}

	return lines, nil
}

func resolveFields(profile Profile, custom []string) ([]string, error) {
	if len(custom) > 0 {
		allowed := map[string]bool{}
		for _, f := range allFieldNames {
			allowed[f] = true
		}
		for _, f := range custom {
			if !allowed[f] {
				return nil, apperrors.NewInvalidInput(fmt.Sprintf("unknown custom field %q", f))
			}
		}
		return custom, nil
	}
	if profile == "" {
		profile = ProfileSummary
	}
	fields, ok := profileFields[profile]
	if !ok {
		return nil, apperrors.NewInvalidInput(fmt.Sprintf("unknown schema_profile %q", profile))
	}
	return fields, nil
}

func project(r record, fields []string) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		out[f] = r.fields[f]
	}
	return out
}

// clampPagination implements spec §4.8's pagination rules: page_size
// clamped to [10,100], page=0 disables pagination entirely.
func clampPagination(page, pageSize int) (p, ps int, paginated bool) {
	if page <= 0 {
		return 0, 0, false
	}
	if pageSize < 10 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize, true
}

func matchesAll(r record, filters Filters) bool {
	for field, matcher := range filters {
		val, ok := r.fields[field]
		if !ok {
			return false
		}
		if !matchField(val, matcher) {
			return false
		}
	}
	return true
}

var numericOperators = []string{">=", "<=", ">", "<", "="}

func matchField(target interface{}, matcher interface{}) bool {
	switch t := target.(type) {
	case []string:
		sub, ok := matcher.(string)
		if !ok {
			return false
		}
		for _, elem := range t {
			if strings.Contains(strings.ToLower(elem), strings.ToLower(sub)) {
				return true
			}
		}
		return false
	case bool:
		b, ok := matcher.(bool)
		return ok && b == t
	}

	switch m := matcher.(type) {
	case bool:
		return false
	case float64:
		num, ok := toFloat(target)
		return ok && num == m
	case string:
		if op, num, ok := parseNumericMatcher(m); ok {
			tnum, tok := toFloat(target)
			if !tok {
				return false
			}
			return compareNumeric(tnum, op, num)
		}
		return strings.Contains(strings.ToLower(fmt.Sprint(target)), strings.ToLower(m))
	default:
		return false
	}
}

func parseNumericMatcher(s string) (op string, value float64, ok bool) {
	for _, candidate := range numericOperators {
		if strings.HasPrefix(s, candidate) {
			rest := strings.TrimSpace(strings.TrimPrefix(s, candidate))
			v, err := strconv.ParseFloat(rest, 64)
			if err != nil {
				return "", 0, false
			}
			return candidate, v, true
		}
	}
	return "", 0, false
}

func compareNumeric(target float64, op string, value float64) bool {
	switch op {
	case ">":
		return target > value
	case ">=":
		return target >= value
	case "<":
		return target < value
	case "<=":
		return target <= value
	case "=":
		return target == value
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		switch t {
		case "critical":
			return 4, true
		case "high":
			return 3, true
		case "medium":
			return 2, true
		case "low":
			return 1, true
		case "info":
			return 0, true
		}
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
