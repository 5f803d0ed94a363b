// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package validate

import (
	"strings"
	"testing"

	"github.com/nessusapi/orchestrator/internal/model"
)

func nessusDoc(body string) []byte {
	return []byte(`<?xml version="1.0"?>
<NessusClientData_v2>
  <Report name="test-report">
` + body + `
  </Report>
</NessusClientData_v2>
`)
}

func reportHost(name string, credentialed string, items string) string {
	credTag := ""
	if credentialed != "" {
		credTag = `<tag name="Credentialed_Scan">` + credentialed + `</tag>`
	}
	return `<ReportHost name="` + name + `">
      <HostProperties>
        <tag name="host-ip">` + name + `</tag>
        ` + credTag + `
      </HostProperties>
      ` + items + `
    </ReportHost>`
}

func reportItem(pluginID, severity string) string {
	return `<ReportItem pluginID="` + pluginID + `" pluginName="test" severity="` + severity + `"></ReportItem>`
}

func TestValidateArtifactTooSmall(t *testing.T) {
	report := Validate([]byte("short"), model.ScanTypeUntrusted)
	if report.IsValid {
		t.Fatal("expected invalid for undersized artifact")
	}
	if report.AuthenticationStatus != model.AuthNotApplicable {
		t.Errorf("expected not_applicable, got %s", report.AuthenticationStatus)
	}
}

func TestValidateUnparseableArtifact(t *testing.T) {
	junk := make([]byte, MinArtifactSize+10)
	for i := range junk {
		junk[i] = '!'
	}
	report := Validate(junk, model.ScanTypeUntrusted)
	if report.IsValid {
		t.Fatal("expected invalid for unparseable artifact")
	}
	if report.Error == "" {
		t.Error("expected an error message")
	}
}

func TestValidateNoHosts(t *testing.T) {
	artifact := nessusDoc("")
	report := Validate(artifact, model.ScanTypeUntrusted)
	if report.IsValid {
		t.Fatal("expected invalid when no hosts present")
	}
}

func TestValidateUntrustedAlwaysNotApplicable(t *testing.T) {
	host := reportHost("10.0.0.1", "", reportItem("10180", "0"))
	artifact := nessusDoc(host)
	report := Validate(artifact, model.ScanTypeUntrusted)
	if !report.IsValid {
		t.Fatalf("expected valid, got error: %s", report.Error)
	}
	if report.AuthenticationStatus != model.AuthNotApplicable {
		t.Errorf("expected not_applicable for untrusted scan, got %s", report.AuthenticationStatus)
	}
	if report.Stats.Hosts != 1 {
		t.Errorf("expected 1 host, got %d", report.Stats.Hosts)
	}
}

func TestValidateExplicitCredentialedSuccess(t *testing.T) {
	host := reportHost("10.0.0.1", "true", reportItem("10180", "1"))
	artifact := nessusDoc(host)
	report := Validate(artifact, model.ScanTypeAuthenticated)
	if !report.IsValid {
		t.Fatalf("expected valid, got error: %s", report.Error)
	}
	if report.AuthenticationStatus != model.AuthSuccess {
		t.Errorf("expected success, got %s", report.AuthenticationStatus)
	}
}

func TestValidateExplicitCredentialedFailure(t *testing.T) {
	host := reportHost("10.0.0.1", "false", reportItem("10180", "0"))
	artifact := nessusDoc(host)
	report := Validate(artifact, model.ScanTypeAuthenticated)
	if report.AuthenticationStatus != model.AuthFailed {
		t.Errorf("expected failed, got %s", report.AuthenticationStatus)
	}
}

func TestValidateMixedCredentialStatusIsPartial(t *testing.T) {
	hostA := reportHost("10.0.0.1", "true", reportItem("10180", "1"))
	hostB := reportHost("10.0.0.2", "false", reportItem("10180", "1"))
	artifact := nessusDoc(hostA + hostB)
	report := Validate(artifact, model.ScanTypeAuthenticated)
	if report.AuthenticationStatus != model.AuthPartial {
		t.Errorf("expected partial, got %s", report.AuthenticationStatus)
	}
	if len(report.Warnings) == 0 {
		t.Error("expected a warning for mixed credential status")
	}
}

func TestValidateInferredSuccessFromAuthPluginCount(t *testing.T) {
	items := reportItem("19506", "0") +
		reportItem("110723", "0") +
		reportItem("12634", "0") +
		reportItem("21745", "0") +
		reportItem("26917", "0")
	host := reportHost("10.0.0.1", "", items)
	artifact := nessusDoc(host)
	report := Validate(artifact, model.ScanTypeAuthenticated)
	if report.AuthenticationStatus != model.AuthSuccess {
		t.Errorf("expected inferred success, got %s", report.AuthenticationStatus)
	}
	if report.Stats.AuthPluginsFound != 5 {
		t.Errorf("expected 5 auth plugin types found, got %d", report.Stats.AuthPluginsFound)
	}
}

func TestValidateInferredPartialFromFewAuthPlugins(t *testing.T) {
	items := reportItem("19506", "0") + reportItem("12634", "0")
	host := reportHost("10.0.0.1", "", items)
	artifact := nessusDoc(host)
	report := Validate(artifact, model.ScanTypeAuthenticated)
	if report.AuthenticationStatus != model.AuthPartial {
		t.Errorf("expected inferred partial, got %s", report.AuthenticationStatus)
	}
	if len(report.Warnings) == 0 {
		t.Error("expected a warning for inferred partial")
	}
}

func TestValidateInferredFailedWhenNoAuthPlugins(t *testing.T) {
	items := reportItem("99999", "0")
	host := reportHost("10.0.0.1", "", items)
	artifact := nessusDoc(host)
	report := Validate(artifact, model.ScanTypeAuthenticated)
	if report.AuthenticationStatus != model.AuthFailed {
		t.Errorf("expected inferred failed, got %s", report.AuthenticationStatus)
	}
}

func TestValidatePrivilegedScanEscalatesOnInsufficientPrivilege(t *testing.T) {
	items := reportItem("19506", "0") +
		reportItem("110723", "0") +
		reportItem("12634", "0") +
		reportItem("21745", "0") +
		reportItem("26917", "0") +
		reportItem("24786", "0")
	host := reportHost("10.0.0.1", "", items)
	artifact := nessusDoc(host)
	report := Validate(artifact, model.ScanTypeAuthenticatedPrivilege)
	if report.AuthenticationStatus != model.AuthPartial {
		t.Errorf("expected escalated partial for privileged scan, got %s", report.AuthenticationStatus)
	}
	found := false
	for _, w := range report.Warnings {
		if strings.Contains(w, "insufficient privilege") {
			found = true
		}
	}
	if !found {
		t.Error("expected an insufficient-privilege warning")
	}
}

func TestValidateSeverityHistogram(t *testing.T) {
	items := reportItem("1", "4") + reportItem("2", "3") + reportItem("3", "2") + reportItem("4", "1") + reportItem("5", "0")
	host := reportHost("10.0.0.1", "", items)
	artifact := nessusDoc(host)
	report := Validate(artifact, model.ScanTypeUntrusted)
	want := model.SeverityHistogram{Critical: 1, High: 1, Medium: 1, Low: 1, Info: 1}
	if report.Stats.Severity != want {
		t.Errorf("unexpected severity histogram: %+v", report.Stats.Severity)
	}
}
