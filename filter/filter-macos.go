//go:build darwin
// +build darwin

package filter

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

type filterImpl struct {
	anchor string
	udp    *udpServerFilter
}

func NewFilter(identifier string) (Filter, error) {
	enabled, err := isPFEnabled()
	if err != nil || !enabled {
		return nil, fmt.Errorf("PF service is not enabled: %v", err)
	}

	if refExists, err := pfCheckAnchor(identifier); err != nil {
		return nil, fmt.Errorf("failed to check anchor reference in /etc/pf.conf: %v", err)
	} else if !refExists {
		return nil, fmt.Errorf("anchor reference to %s does not exist in /etc/pf.conf, add it first", identifier)
	}

	return &filterImpl{
		anchor: identifier,
		udp:    newUdpServerFilter(),
	}, nil
}

func (f *filterImpl) AddIcmpUnreachableFiltering(peerAddr string) error {
	return f.udp.add(peerAddr)
}

func (f *filterImpl) RemoveIcmpUnreachableFiltering(peerAddr string) error {
	return f.udp.remove(peerAddr)
}

// AddNakSourceFiltering adds a pf rule to the anchor dropping inbound UDP
// traffic from an address that doesn't belong to any known peer.
func (f *filterImpl) AddNakSourceFiltering(spoofedAddr string) error {
	currentRules, err := getPfRules(f.anchor)
	if err != nil {
		return fmt.Errorf("failed to retrieve current rules: %v", err)
	}

	newRule := fmt.Sprintf("block drop in quick inet proto udp from %s to any", spoofedAddr)
	if !containsRule(currentRules, newRule) {
		currentRules = append(currentRules, newRule)
	}

	rulesText := strings.Join(currentRules, "\n")
	if err := pfLoadRules(f.anchor, rulesText); err != nil {
		return fmt.Errorf("failed to load updated rules: %v", err)
	}
	return verifyRuleExactMatch(f.anchor, newRule)
}

func (f *filterImpl) RemoveNakSourceFiltering(spoofedAddr string) error {
	currentRules, err := getPfRules(f.anchor)
	if err != nil {
		return fmt.Errorf("failed to retrieve current rules: %v", err)
	}

	ruleToRemove := fmt.Sprintf("block drop in quick inet proto udp from %s to any", spoofedAddr)
	var updatedRules []string
	for _, rule := range currentRules {
		if strings.TrimSpace(rule) != strings.TrimSpace(ruleToRemove) {
			updatedRules = append(updatedRules, rule)
		}
	}

	rulesText := strings.Join(updatedRules, "\n") + "\n"
	return pfLoadRules(f.anchor, rulesText)
}

func (f *filterImpl) FinishFiltering() error {
	cmdFlush := exec.Command("pfctl", "-a", f.anchor, "-F", "rules")
	if output, err := cmdFlush.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to flush rules for anchor %s: %v\noutput: %s", f.anchor, err, string(output))
	}

	f.udp.conns.Range(func(key, value any) bool {
		f.udp.remove(key.(string))
		return true
	})
	return nil
}

// ======== PF control helpers ========

func isPFEnabled() (bool, error) {
	output, err := exec.Command("pfctl", "-s", "info").CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("pfctl check failed: %v\noutput: %s", err, string(output))
	}
	return strings.Contains(string(output), "Status: Enabled"), nil
}

func pfCheckAnchor(anchor string) (bool, error) {
	data, err := os.ReadFile("/etc/pf.conf")
	if err != nil {
		return false, fmt.Errorf("failed to read /etc/pf.conf: %v", err)
	}
	anchorRef := fmt.Sprintf("anchor \"%s\"", anchor)
	return strings.Contains(string(data), anchorRef), nil
}

func getPfRules(anchor string) ([]string, error) {
	cmd := exec.Command("pfctl", "-a", anchor, "-s", "rules")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to query PF rules: %v\noutput: %s", err, string(output))
	}

	var rules []string
	for _, line := range strings.Split(string(output), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "block") {
			rules = append(rules, trimmed)
		}
	}
	return rules, nil
}

func pfLoadRules(anchor, rules string) error {
	cmd := exec.Command("sh", "-c", fmt.Sprintf("echo %q | sudo /sbin/pfctl -a %s -f -", rules, anchor))
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to load PF rules: %v\noutput: %s", err, string(output))
	}
	return nil
}

func verifyRuleExactMatch(anchor, expectedRule string) error {
	cmd := exec.Command("/sbin/pfctl", "-a", anchor, "-s", "rules")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to query PF rules: %v", err)
	}

	expected := strings.TrimSpace(expectedRule)
	current := strings.TrimSpace(string(output))
	if !strings.Contains(current, expected) {
		return fmt.Errorf("rule does not match\ncurrent rules:\n%s\nexpected:\n%s", current, expected)
	}
	return nil
}

func containsRule(rules []string, target string) bool {
	target = strings.TrimSpace(target)
	for _, rule := range rules {
		if strings.TrimSpace(rule) == target {
			return true
		}
	}
	return false
}
