package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"dispatchd/internal/registry"
)

func runReverse(p registry.Params, _ *registry.Ctx) (any, *registry.HandlerError) {
	text := p.Str("text")
	runes := []rune(text)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return map[string]any{
		"input":    text,
		"reversed": string(runes),
		"length":   utf8.RuneCountInString(text),
	}, nil
}

func runToUpper(p registry.Params, _ *registry.Ctx) (any, *registry.HandlerError) {
	text := p.Str("text")
	return map[string]any{
		"input":  text,
		"upper":  strings.ToUpper(text),
		"length": utf8.RuneCountInString(text),
	}, nil
}

func runHash(p registry.Params, _ *registry.Ctx) (any, *registry.HandlerError) {
	text := p.Str("text")
	sum := sha256.Sum256([]byte(text))
	return map[string]any{
		"text":      text,
		"algorithm": "sha256",
		"digest":    hex.EncodeToString(sum[:]),
	}, nil
}

func runTimestamp(_ registry.Params, _ *registry.Ctx) (any, *registry.HandlerError) {
	now := time.Now().UTC()
	return map[string]any{
		"iso8601":  now.Format(time.RFC3339Nano),
		"epoch_ms": now.UnixMilli(),
	}, nil
}

func runRandom(p registry.Params, _ *registry.Ctx) (any, *registry.HandlerError) {
	count := p.Uint("count")
	min := p.Int("min")
	max := p.Int("max")
	if min > max {
		return nil, registry.BadParam("min must be <= max")
	}
	values := make([]int64, count)
	for i := range values {
		values[i] = min + rand.Int64N(max-min+1)
	}
	return map[string]any{
		"count":  count,
		"min":    min,
		"max":    max,
		"values": values,
	}, nil
}
