package logging

import (
	"log"
	"os"
	"strings"
)

var allowlistOrder = []string{
	"event",
	"method",
	"route",
	"status",
	"duration_ms",
	"source",
	"file",
	"bytes",
	"count",
	"port",
	"url",
	"error",
}

var allowlistKeys = map[string]struct{}{
	"event":       {},
	"method":      {},
	"route":       {},
	"status":      {},
	"duration_ms": {},
	"source":      {},
	"file":        {},
	"bytes":       {},
	"count":       {},
	"port":        {},
	"url":         {},
	"error":       {},
}

func Allowlist(logger *log.Logger, fields map[string]string) {
	if logger == nil {
		return
	}
	var parts []string
	for _, key := range allowlistOrder {
		value, ok := fields[key]
		if !ok || value == "" {
			continue
		}
		if _, allowed := allowlistKeys[key]; !allowed {
			continue
		}
		parts = append(parts, key+"="+value)
	}
	if len(parts) == 0 {
		return
	}
	logger.Print(strings.Join(parts, " "))
}

func Fatal(logger *log.Logger, fields map[string]string) {
	Allowlist(logger, fields)
	os.Exit(1)
}
