package storage

import (
	"strconv"
	"strings"
)

// MemoryInfo holds the subset of the Redis INFO memory section surfaced
// on the status endpoint.
type MemoryInfo struct {
	UsedMemory      int64
	UsedMemoryHuman string
	MaxMemory       int64
}

// parseMemoryInfo parses the INFO memory output.
func parseMemoryInfo(info string) MemoryInfo {
	var result MemoryInfo

	for _, line := range strings.Split(info, "\r\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "used_memory":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				result.UsedMemory = n
			}
		case "used_memory_human":
			result.UsedMemoryHuman = value
		case "maxmemory":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				result.MaxMemory = n
			}
		}
	}

	return result
}
