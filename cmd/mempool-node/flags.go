package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/zmlAEQ/aequa-mempool/internal/broadcast"
)

// parseBuckets reads an ascending comma list of bucket fee floors.
func parseBuckets(s string) ([]uint64, error) {
	var out []uint64
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("pool.buckets: %q: %w", p, err)
		}
		if len(out) > 0 && v <= out[len(out)-1] {
			return nil, fmt.Errorf("pool.buckets: %d is not ascending", v)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pool.buckets: empty")
	}
	if out[0] != 0 {
		out = append([]uint64{0}, out...)
	}
	return out, nil
}

func parseNetwork(s string) (broadcast.NetworkID, error) {
	switch n := broadcast.NetworkID(s); n {
	case broadcast.NetworkValidator, broadcast.NetworkVFN, broadcast.NetworkPublic:
		return n, nil
	default:
		return "", fmt.Errorf("network: unknown %q", s)
	}
}

// parseBootnodes accepts a comma list of multiaddrs or a path to a file with
// one per line.
func parseBootnodes(s string) []string {
	if s == "" {
		return nil
	}
	var raw []string
	if fi, err := os.Stat(s); err == nil && !fi.IsDir() {
		if b, err := os.ReadFile(s); err == nil {
			raw = strings.Split(string(b), "\n")
		}
	} else {
		raw = strings.Split(s, ",")
	}
	var out []string
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
