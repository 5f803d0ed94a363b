// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package validator

import (
	"fmt"
	"net"
	"strings"
)

const (
	// MaxTargetsLength bounds the raw comma-separated targets string.
	MaxTargetsLength = 8192
	// MaxTargetTokens bounds how many individual targets one scan may name.
	MaxTargetTokens = 1024
)

// AllowedEscalationMethods is the enum spec §4.9 names for
// authenticated_privileged scans.
var AllowedEscalationMethods = map[string]bool{
	"sudo":     true,
	"su":       true,
	"su+sudo":  true,
	"pbrun":    true,
	"dzdo":     true,
}

// AllowedScanTypes is the enum accepted for scan_type.
var AllowedScanTypes = map[string]bool{
	"untrusted":                true,
	"authenticated":            true,
	"authenticated_privileged": true,
}

// AllowedCredentialKinds is the enum accepted for credentials.kind.
var AllowedCredentialKinds = map[string]bool{
	"ssh":      true,
	"windows":  true,
	"snmp":     true,
}

// ValidateTargets validates a comma-separated list of IP/CIDR/hostname
// targets. Each token must parse as an IP, a CIDR, or a syntactically
// plausible hostname.
func ValidateTargets(targets string) error {
	if targets == "" {
		return &ValidationError{Field: "targets", Message: "targets cannot be empty"}
	}
	if len(targets) > MaxTargetsLength {
		return &ValidationError{
			Field:   "targets",
			Message: fmt.Sprintf("targets exceeds maximum length of %d characters", MaxTargetsLength),
		}
	}

	tokens := strings.Split(targets, ",")
	if len(tokens) > MaxTargetTokens {
		return &ValidationError{
			Field:   "targets",
			Message: fmt.Sprintf("targets exceeds maximum of %d entries", MaxTargetTokens),
		}
	}

	for _, raw := range tokens {
		token := strings.TrimSpace(raw)
		if token == "" {
			return &ValidationError{Field: "targets", Message: "targets contains an empty entry"}
		}
		if !isValidTargetToken(token) {
			return &ValidationError{
				Field:   "targets",
				Message: fmt.Sprintf("target %q is not a valid IP, CIDR, or hostname", token),
			}
		}
	}
	return nil
}

func isValidTargetToken(token string) bool {
	if net.ParseIP(token) != nil {
		return true
	}
	if _, _, err := net.ParseCIDR(token); err == nil {
		return true
	}
	return isPlausibleHostname(token)
}

func isPlausibleHostname(s string) bool {
	if len(s) == 0 || len(s) > 253 {
		return false
	}
	labels := strings.Split(s, ".")
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		for i, r := range label {
			isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			isHyphen := r == '-'
			if !isAlnum && !(isHyphen && i != 0 && i != len(label)-1) {
				return false
			}
		}
	}
	return true
}

// ValidateScanType checks scan_type against the allowed enum.
func ValidateScanType(scanType string) error {
	if !AllowedScanTypes[scanType] {
		return &ValidationError{
			Field:   "scan_type",
			Message: fmt.Sprintf("scan_type %q is not one of the allowed values", scanType),
		}
	}
	return nil
}

// ValidateEscalationMethod checks an escalation method against the enum
// spec §4.9 requires for authenticated_privileged scans.
func ValidateEscalationMethod(method string) error {
	if !AllowedEscalationMethods[method] {
		return &ValidationError{
			Field:   "escalation_method",
			Message: fmt.Sprintf("escalation_method %q is not one of the allowed values", method),
		}
	}
	return nil
}

// ValidateScanCredentials checks that the supplied credential fields match
// what the claimed kind requires: ssh/windows need username+(password or
// key_reference); snmp needs a username only. Escalation fields, when
// present, must accompany a valid escalation method.
func ValidateScanCredentials(kind, username, password, keyReference, escalationMethod, escalationAccount, escalationPassword string) error {
	if !AllowedCredentialKinds[kind] {
		return &ValidationError{
			Field:   "credentials.kind",
			Message: fmt.Sprintf("credentials.kind %q is not one of the allowed values", kind),
		}
	}

	switch kind {
	case "ssh", "windows":
		if username == "" {
			return &ValidationError{Field: "credentials.username", Message: "username is required for this credential kind"}
		}
		if password == "" && keyReference == "" {
			return &ValidationError{
				Field:   "credentials",
				Message: "either password or key_reference is required for this credential kind",
			}
		}
	case "snmp":
		if username == "" {
			return &ValidationError{Field: "credentials.username", Message: "username is required for snmp credentials"}
		}
	}

	if err := ValidateUsername(username); err != nil {
		return err
	}
	if err := ValidatePassword(password); err != nil {
		return err
	}

	if escalationMethod == "" && (escalationAccount != "" || escalationPassword != "") {
		return &ValidationError{Field: "credentials.escalation_method", Message: "escalation_method is required when escalation fields are set"}
	}
	if escalationMethod != "" {
		if err := ValidateEscalationMethod(escalationMethod); err != nil {
			return err
		}
		if escalationAccount == "" {
			return &ValidationError{Field: "credentials.escalation_account", Message: "escalation_account is required when escalation_method is set"}
		}
		_ = escalationPassword
	}

	return nil
}
