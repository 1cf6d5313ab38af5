// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ValidationError is one structured (path, message) pair, per spec.md §4.1.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a total collection: every violation found, not just
// the first. An empty slice means the policy validated cleanly.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

var (
	semverRe   = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z-.]+)?$`)
	ruleIDRe   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	portSpecRe = regexp.MustCompile(`^[0-9,-]+$`)
)

// Validate runs the complete validation chain from spec.md §4.1 over raw
// policy JSON and returns a Validated policy or the full list of errors.
// Validate never mutates state and never panics on malformed input.
func Validate(raw []byte) (*Validated, ValidationErrors) {
	var errs ValidationErrors

	if len(raw) > 1<<20 {
		errs = append(errs, ValidationError{"$", fmt.Sprintf("policy JSON exceeds 1 MiB (got %d bytes)", len(raw))})
		return nil, errs
	}

	var p Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		errs = append(errs, ValidationError{"$", fmt.Sprintf("invalid JSON: %v", err)})
		return nil, errs
	}

	errs = append(errs, validatePolicy(&p)...)
	if errs.HasErrors() {
		return nil, errs
	}
	return &Validated{Policy: p}, nil
}

func validatePolicy(p *Policy) ValidationErrors {
	var errs ValidationErrors

	if !semverRe.MatchString(p.Version) {
		errs = append(errs, ValidationError{"$.version", fmt.Sprintf("%q is not a valid semver X.Y.Z[-pre]", p.Version)})
	}

	switch Action(strings.ToLower(string(p.DefaultAction))) {
	case ActionAllow, ActionBlock:
	default:
		errs = append(errs, ValidationError{"$.defaultAction", fmt.Sprintf("must be allow or block, got %q", p.DefaultAction)})
	}

	if p.UpdatedAt.IsZero() {
		errs = append(errs, ValidationError{"$.updatedAt", "is required"})
	} else if p.UpdatedAt.After(time.Now().UTC().Add(5 * time.Minute)) {
		errs = append(errs, ValidationError{"$.updatedAt", "is more than 5 minutes in the future"})
	}

	if len(p.Rules) > 10000 {
		errs = append(errs, ValidationError{"$.rules", fmt.Sprintf("rule count %d exceeds maximum of 10000", len(p.Rules))})
	}

	seen := make(map[string]int, len(p.Rules))
	for i, r := range p.Rules {
		path := fmt.Sprintf("$.rules[%d]", i)
		errs = append(errs, validateRule(path, r)...)

		if first, ok := seen[r.ID]; ok {
			errs = append(errs, ValidationError{
				path + ".id",
				fmt.Sprintf("duplicate rule id %q (first occurrence at index %d)", r.ID, first),
			})
		} else if r.ID != "" {
			seen[r.ID] = i
		}
	}

	return errs
}

func validateRule(path string, r Rule) ValidationErrors {
	var errs ValidationErrors

	if !ruleIDRe.MatchString(r.ID) {
		errs = append(errs, ValidationError{path + ".id", fmt.Sprintf("%q must be 1-128 chars of alphanumerics, '-' or '_'", r.ID)})
	}

	switch r.Action {
	case ActionAllow, ActionBlock:
	default:
		errs = append(errs, ValidationError{path + ".action", fmt.Sprintf("must be allow or block, got %q", r.Action)})
	}

	switch r.Direction {
	case DirectionInbound, DirectionOutbound, DirectionBoth:
	default:
		errs = append(errs, ValidationError{path + ".direction", fmt.Sprintf("must be inbound, outbound, or both, got %q", r.Direction)})
	}

	switch r.Protocol {
	case ProtocolTCP, ProtocolUDP, ProtocolAny:
	default:
		errs = append(errs, ValidationError{path + ".protocol", fmt.Sprintf("must be tcp, udp, or any, got %q", r.Protocol)})
	}

	if r.Process != "" {
		if len(r.Process) > 260 {
			errs = append(errs, ValidationError{path + ".process", "exceeds 260 characters"})
		}
		if strings.Contains(r.Process, "..") {
			errs = append(errs, ValidationError{path + ".process", "must not contain '..' segments"})
		}
	}

	if r.Local != nil {
		errs = append(errs, validateEndpoint(path+".local", *r.Local)...)
	}
	if r.Remote != nil {
		errs = append(errs, validateEndpoint(path+".remote", *r.Remote)...)
	}

	if len(r.Comment) > 1024 {
		errs = append(errs, ValidationError{path + ".comment", "exceeds 1024 characters"})
	}

	return errs
}

func validateEndpoint(path string, ep EndpointFilter) ValidationErrors {
	var errs ValidationErrors

	if ep.IP == "" && ep.Ports == "" {
		errs = append(errs, ValidationError{path, "requires at least one of ip or ports"})
		return errs
	}

	if ep.IP != "" {
		if err := validateIPSpec(ep.IP); err != nil {
			errs = append(errs, ValidationError{path + ".ip", err.Error()})
		}
	}

	if ep.Ports != "" {
		if _, err := ParsePortSpec(ep.Ports); err != nil {
			errs = append(errs, ValidationError{path + ".ports", err.Error()})
		}
	}

	return errs
}

// validateIPSpec accepts an IPv4 literal or ipv4/prefix CIDR (spec.md §3.2).
// IPv6 is present in the model but always rejected here — it is rejected
// again, independently, at compile (§4.2 step 1's supported-subset check).
func validateIPSpec(spec string) error {
	if strings.Contains(spec, "/") {
		ip, ipnet, err := net.ParseCIDR(spec)
		if err != nil {
			return fmt.Errorf("%q is not a valid CIDR: %v", spec, err)
		}
		if ip.To4() == nil {
			return fmt.Errorf("%q is not IPv4", spec)
		}
		ones, bits := ipnet.Mask.Size()
		if bits != 32 || ones < 0 || ones > 32 {
			return fmt.Errorf("%q prefix must be 0..32", spec)
		}
		return nil
	}
	ip := net.ParseIP(spec)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("%q is not a valid IPv4 address", spec)
	}
	return nil
}

// PortCondition is a single port or an inclusive [Lo, Hi] range.
type PortCondition struct {
	Lo int
	Hi int
}

// ParsePortSpec parses the grammar from spec.md §3.2:
// `port | port "-" port | list(",", spec)`.
func ParsePortSpec(spec string) ([]PortCondition, error) {
	if !portSpecRe.MatchString(spec) {
		return nil, fmt.Errorf("%q contains characters outside digits, '-' and ','", spec)
	}

	var conds []PortCondition
	for _, elem := range strings.Split(spec, ",") {
		elem = strings.TrimSpace(elem)
		if elem == "" {
			return nil, fmt.Errorf("%q contains an empty port element", spec)
		}
		if strings.Contains(elem, "-") {
			parts := strings.SplitN(elem, "-", 2)
			lo, err1 := strconv.Atoi(parts[0])
			hi, err2 := strconv.Atoi(parts[1])
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("%q is not a valid port range", elem)
			}
			if lo < 1 || lo > 65535 || hi < 1 || hi > 65535 {
				return nil, fmt.Errorf("%q ports must be in 1..65535", elem)
			}
			if lo > hi {
				return nil, fmt.Errorf("%q range start must be <= end", elem)
			}
			conds = append(conds, PortCondition{Lo: lo, Hi: hi})
			continue
		}
		p, err := strconv.Atoi(elem)
		if err != nil {
			return nil, fmt.Errorf("%q is not a valid port", elem)
		}
		if p < 1 || p > 65535 {
			return nil, fmt.Errorf("%q must be in 1..65535", elem)
		}
		conds = append(conds, PortCondition{Lo: p, Hi: p})
	}
	return conds, nil
}
