// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dnsquery

import (
	"net"

	"github.com/pion/randutil"
)

// Result is the outcome of an A or AAAA lookup.
type Result struct {
	Name string
	TTL  uint32
	IPs  []net.IP
}

// SRVRecord is one expanded SRV target. A and AAAA are filled by the
// per-record sub-queries (or directly when the target is an IP literal).
type SRVRecord struct {
	Name     string
	Port     uint16
	Priority uint16
	Weight   uint16
	A        []net.IP
	AAAA     []net.IP
}

// SRVResult is the outcome of an SRV lookup, sorted per RFC 2782.
type SRVResult struct {
	Name     string
	Service  string
	Protocol string
	TTL      uint32
	Records  []*SRVRecord
}

// sortSRVRecords orders records by ascending priority, breaking ties inside
// a priority class by weight-weighted random selection (RFC 2782).
func sortSRVRecords(records []*SRVRecord, rand randutil.MathRandomGenerator) []*SRVRecord {
	byPriority := map[uint16][]*SRVRecord{}
	var priorities []uint16
	for _, rec := range records {
		if _, ok := byPriority[rec.Priority]; !ok {
			priorities = append(priorities, rec.Priority)
		}
		byPriority[rec.Priority] = append(byPriority[rec.Priority], rec)
	}
	for i := 1; i < len(priorities); i++ {
		for j := i; j > 0 && priorities[j-1] > priorities[j]; j-- {
			priorities[j-1], priorities[j] = priorities[j], priorities[j-1]
		}
	}

	out := make([]*SRVRecord, 0, len(records))
	for _, prio := range priorities {
		class := byPriority[prio]
		for len(class) > 0 {
			total := 0
			for _, rec := range class {
				total += int(rec.Weight)
			}
			idx := 0
			if total > 0 {
				pick := rand.Intn(total + 1)
				running := 0
				for i, rec := range class {
					running += int(rec.Weight)
					if running >= pick {
						idx = i

						break
					}
				}
			}
			out = append(out, class[idx])
			class = append(class[:idx], class[idx+1:]...)
		}
	}

	return out
}

// parseLiterals splits a comma-separated list and returns the parsed IPs.
// It returns nil unless every element parses as an IP literal.
func parseLiterals(name string) []net.IP {
	var ips []net.IP
	start := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == ',' {
			part := trimSpace(name[start:i])
			start = i + 1
			if part == "" {
				continue
			}
			ip := net.ParseIP(part)
			if ip == nil {
				return nil
			}
			ips = append(ips, ip)
		}
	}

	return ips
}

// splitList splits a comma-separated name list, dropping empty elements.
func splitList(name string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == ',' {
			part := trimSpace(name[start:i])
			start = i + 1
			if part != "" {
				parts = append(parts, part)
			}
		}
	}

	return parts
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}

	return s
}

func v4Only(ips []net.IP) []net.IP {
	var out []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			out = append(out, ip)
		}
	}

	return out
}

func v6Only(ips []net.IP) []net.IP {
	var out []net.IP
	for _, ip := range ips {
		if ip.To4() == nil {
			out = append(out, ip)
		}
	}

	return out
}
