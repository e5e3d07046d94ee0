//go:build linux
// +build linux

package filter

import (
	"fmt"
	"log"
	"os/exec"
	"strings"
)

type filterImpl struct {
	comment string
	udp     *udpServerFilter
}

func NewFilter(identifier string) (Filter, error) {
	if err := isIptablesEnabled(); err != nil {
		return nil, fmt.Errorf("iptables is not enabled or available: %w", err)
	}
	return &filterImpl{
		comment: identifier,
		udp:     newUdpServerFilter(),
	}, nil
}

func isIptablesEnabled() error {
	cmd := exec.Command("iptables", "-S")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables -S failed: %v\noutput: %s", err, string(output))
	}
	return nil
}

func (f *filterImpl) AddIcmpUnreachableFiltering(peerAddr string) error {
	return f.udp.add(peerAddr)
}

func (f *filterImpl) RemoveIcmpUnreachableFiltering(peerAddr string) error {
	return f.udp.remove(peerAddr)
}

// AddNakSourceFiltering installs an iptables rule dropping every inbound
// UDP datagram claiming to originate from spoofedAddr, so a forged NAK burst
// stops reaching the dispatcher at all instead of being rejected packet by
// packet once it's already been parsed.
func (f *filterImpl) AddNakSourceFiltering(spoofedAddr string) error {
	ruleCheck := fmt.Sprintf("-A INPUT -p udp -s %s -m comment --comment \"%s\" -j DROP", spoofedAddr, f.comment)

	cmd := exec.Command("iptables", "-S", "INPUT")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to list iptables rules: %v\noutput: %s", err, string(output))
	}
	if strings.Contains(string(output), ruleCheck) {
		return nil
	}

	cmd = exec.Command("iptables", "-A", "INPUT", "-p", "udp", "-s", spoofedAddr,
		"-m", "comment", "--comment", f.comment, "-j", "DROP")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to add iptables rule: %v\noutput: %s", err, string(out))
	}

	log.Printf("filter: dropping spoofed nak traffic from %s", spoofedAddr)
	return nil
}

func (f *filterImpl) RemoveNakSourceFiltering(spoofedAddr string) error {
	cmd := exec.Command("iptables", "-D", "INPUT", "-p", "udp", "-s", spoofedAddr,
		"-m", "comment", "--comment", f.comment, "-j", "DROP")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to remove iptables rule: %v\noutput: %s", err, string(out))
	}
	return nil
}

// FinishFiltering removes every INPUT rule tagged with this filter's
// comment and closes any dummy sockets opened for ICMP suppression.
func (f *filterImpl) FinishFiltering() error {
	cmd := exec.Command("iptables", "-S", "INPUT")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to list iptables rules: %v\noutput: %s", err, string(output))
	}

	var deleteErrors []string
	for _, line := range strings.Split(string(output), "\n") {
		if !strings.Contains(line, "--comment \""+f.comment+"\"") {
			continue
		}
		deleteCmd := strings.Replace(line, "-A", "-D", 1)
		cmd := exec.Command("sh", "-c", "iptables "+deleteCmd)
		if out, err := cmd.CombinedOutput(); err != nil {
			deleteErrors = append(deleteErrors, fmt.Sprintf("%s\nerror: %s", deleteCmd, string(out)))
		}
	}

	f.udp.conns.Range(func(key, value any) bool {
		f.udp.remove(key.(string))
		return true
	})

	if len(deleteErrors) > 0 {
		return fmt.Errorf("some rules failed to delete:\n%s", strings.Join(deleteErrors, "\n"))
	}
	return nil
}
