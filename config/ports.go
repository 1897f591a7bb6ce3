package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"recon/services"
)

// ParsePorts parses a port specification and returns a sorted, deduplicated
// slice of ports. Supported forms:
//   - single: "22"
//   - list: "22,80,443"
//   - range: "1-1024"
//   - most common: "top:100", ranked by reg (the built-in table if nil)
//   - mixed: "22,80,8000-8100,top:10"
func ParsePorts(spec string, reg *services.Registry) ([]uint16, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("empty port spec")
	}
	seen := make(map[int]struct{})
	for _, p := range strings.Split(spec, ",") {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
			return nil, errors.New("invalid empty token in port spec")

		case strings.HasPrefix(p, "top:"):
			n, err := strconv.Atoi(strings.TrimPrefix(p, "top:"))
			if err != nil || n < 1 {
				return nil, fmt.Errorf("invalid top token: %s", p)
			}
			if reg == nil {
				reg = services.Default()
			}
			for _, port := range reg.Top(n) {
				seen[int(port)] = struct{}{}
			}

		case strings.Contains(p, "-"):
			bounds := strings.SplitN(p, "-", 2)
			start, err := strconv.Atoi(strings.TrimSpace(bounds[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid range token: %s", p)
			}
			end, err := strconv.Atoi(strings.TrimSpace(bounds[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid range token: %s", p)
			}
			if start < 1 || end < 1 || start > 65535 || end > 65535 {
				return nil, errors.New("port numbers must be in 1..65535")
			}
			if start > end {
				return nil, fmt.Errorf("range start greater than end: %s", p)
			}
			for i := start; i <= end; i++ {
				seen[i] = struct{}{}
			}

		default:
			v, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("invalid port: %s", p)
			}
			if v < 1 || v > 65535 {
				return nil, errors.New("port numbers must be in 1..65535")
			}
			seen[v] = struct{}{}
		}
	}
	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	out := make([]uint16, 0, len(ports))
	for _, p := range ports {
		out = append(out, uint16(p))
	}
	return out, nil
}
