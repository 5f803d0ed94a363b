// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package validate implements the Result Validator: it parses a Nessus
// native export (.nessus, XML-shaped) and produces a ValidationReport
// classifying the scan's authentication outcome. This is distinct from
// internal/pkg/validator, which validates submission input.
package validate

import (
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/nessusapi/orchestrator/internal/model"
)

// MinArtifactSize is the threshold below which an artifact is treated as
// missing/truncated rather than parsed, per spec §4.7.
const MinArtifactSize = 64 // bytes

// nessusDocument mirrors the subset of the .nessus XML schema the
// validator consumes.
type nessusDocument struct {
	XMLName xml.Name    `xml:"NessusClientData_v2"`
	Report  nessusReport `xml:"Report"`
}

type nessusReport struct {
	Hosts []nessusHost `xml:"ReportHost"`
}

type nessusHost struct {
	Name       string           `xml:"name,attr"`
	Properties []nessusTag      `xml:"HostProperties>tag"`
	Items      []nessusReportItem `xml:"ReportItem"`
}

type nessusTag struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type nessusReportItem struct {
	PluginID   string `xml:"pluginID,attr"`
	PluginName string `xml:"pluginName,attr"`
	Severity   string `xml:"severity,attr"`
}

func (h *nessusHost) tag(name string) (string, bool) {
	for _, t := range h.Properties {
		if strings.EqualFold(t.Name, name) {
			return strings.TrimSpace(t.Value), true
		}
	}
	return "", false
}

// authDependentPluginIDs are Nessus plugin IDs whose output is only
// produced when local/credentialed checks ran successfully (e.g. patch
// and compliance audits). Counting how many distinct such plugins fired
// across all hosts is the fallback signal spec §4.7 describes when no
// explicit per-host credential-status marker is present.
var authDependentPluginIDs = map[string]bool{
	"19506":  true, // Nessus Scan Information
	"110723": true, // Target Credential Status by Authentication Protocol
	"117885": true, // insufficient privilege marker family
	"12634":  true, // Authenticated Check: OS Name and Installed Package Enumeration
	"24786":  true, // Nessus Windows Scan Not Performed with Admin Privileges
	"21745":  true, // Authentication Failure - Local Checks Not Run
	"26917":  true, // Microsoft Windows SMB Registry Not Fully Accessible Detection
	"10400":  true, // Microsoft Windows SMB Registry Remotely Accessible
}

// insufficientPrivilegePluginIDs mark findings that indicate the
// authenticated account lacked the privileges needed for full checks; their
// presence escalates authenticated_privileged classification to partial.
var insufficientPrivilegePluginIDs = map[string]bool{
	"24786":  true,
	"117885": true,
}

func severityBucket(h *SeverityCounter, sev string) {
	switch sev {
	case "4":
		h.Critical++
	case "3":
		h.High++
	case "2":
		h.Medium++
	case "1":
		h.Low++
	default:
		h.Info++
	}
}

// SeverityCounter accumulates counts before being copied into
// model.SeverityHistogram.
type SeverityCounter struct {
	Critical, High, Medium, Low, Info int
}

func (c SeverityCounter) toHistogram() model.SeverityHistogram {
	return model.SeverityHistogram{
		Critical: c.Critical,
		High:     c.High,
		Medium:   c.Medium,
		Low:      c.Low,
		Info:     c.Info,
	}
}

// Validate parses artifact and produces a ValidationReport for a task of
// the given scan_type, per spec §4.7's classification rules.
func Validate(artifact []byte, scanType model.ScanType) model.ValidationReport {
	report := model.ValidationReport{
		Stats: model.ValidationStats{ArtifactSize: int64(len(artifact))},
	}

	if len(artifact) < MinArtifactSize {
		report.IsValid = false
		report.Error = "artifact missing or below minimum size"
		report.AuthenticationStatus = model.AuthNotApplicable
		return report
	}

	var doc nessusDocument
	if err := xml.Unmarshal(artifact, &doc); err != nil {
		report.IsValid = false
		report.Error = "artifact could not be parsed: " + err.Error()
		return report
	}

	if len(doc.Report.Hosts) == 0 {
		report.IsValid = false
		report.Error = "artifact contains no hosts"
		return report
	}

	var severity SeverityCounter
	totalFindings := 0
	authFindingTypes := map[string]bool{}
	insufficientPrivilegeSeen := false
	var explicitStatuses []string

	for _, host := range doc.Report.Hosts {
		if credStatus, ok := host.tag("Credentialed_Scan"); ok {
			if strings.EqualFold(credStatus, "true") {
				explicitStatuses = append(explicitStatuses, string(model.AuthSuccess))
			} else {
				explicitStatuses = append(explicitStatuses, string(model.AuthFailed))
			}
		}

		for _, item := range host.Items {
			totalFindings++
			severityBucket(&severity, item.Severity)

			if authDependentPluginIDs[item.PluginID] {
				authFindingTypes[item.PluginID] = true
			}
			if insufficientPrivilegePluginIDs[item.PluginID] {
				insufficientPrivilegeSeen = true
			}
		}
	}

	report.IsValid = true
	report.Stats.Hosts = len(doc.Report.Hosts)
	report.Stats.Severity = severity.toHistogram()
	report.Stats.AuthPluginsFound = len(authFindingTypes)

	report.AuthenticationStatus = classifyAuthentication(scanType, explicitStatuses, len(authFindingTypes), &report.Warnings)

	if scanType == model.ScanTypeAuthenticatedPrivilege && insufficientPrivilegeSeen {
		report.AuthenticationStatus = model.AuthPartial
		report.Warnings = append(report.Warnings, "insufficient privilege markers found; escalated to partial")
	}

	_ = totalFindings
	return report
}

// classifyAuthentication implements the decision tree of spec §4.7.
func classifyAuthentication(scanType model.ScanType, explicitStatuses []string, authPluginCount int, warnings *[]string) model.AuthenticationStatus {
	if scanType == model.ScanTypeUntrusted {
		return model.AuthNotApplicable
	}

	if len(explicitStatuses) > 0 {
		// A credential-status marker is present: it dictates the outcome.
		// If any host reports failure, the overall classification is
		// failed unless at least one host succeeded, in which case it's
		// partial.
		hasSuccess, hasFailure := false, false
		for _, s := range explicitStatuses {
			if s == string(model.AuthSuccess) {
				hasSuccess = true
			} else {
				hasFailure = true
			}
		}
		switch {
		case hasSuccess && hasFailure:
			*warnings = append(*warnings, "mixed per-host credential status")
			return model.AuthPartial
		case hasSuccess:
			return model.AuthSuccess
		default:
			return model.AuthFailed
		}
	}

	// No explicit marker: infer from the count of finding-types that
	// require successful authentication to produce output.
	switch {
	case authPluginCount >= 5:
		return model.AuthSuccess
	case authPluginCount >= 1:
		*warnings = append(*warnings, "few authenticated-only findings observed; classification inferred as partial")
		return model.AuthPartial
	default:
		return model.AuthFailed
	}
}

// severityValue converts a .nessus severity attribute to its numeric value,
// mapping unparseable input to 0. It is unexported and has no callers in
// this package.
func severityValue(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
