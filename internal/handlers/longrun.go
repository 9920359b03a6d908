package handlers

import (
	"time"

	"dispatchd/internal/registry"
)

// sleepSlice is the cancellation poll interval for /sleep.
const sleepSlice = 50 * time.Millisecond

func runSleep(p registry.Params, ctx *registry.Ctx) (any, *registry.HandlerError) {
	seconds := p.Uint("seconds")
	deadline := time.Now().Add(time.Duration(seconds) * time.Second)
	for time.Now().Before(deadline) {
		if herr := ctx.Err(); herr != nil {
			return nil, herr
		}
		slice := time.Until(deadline)
		if slice > sleepSlice {
			slice = sleepSlice
		}
		time.Sleep(slice)
	}
	return map[string]any{"slept_seconds": seconds}, nil
}

func runSimulate(p registry.Params, ctx *registry.Ctx) (any, *registry.HandlerError) {
	seconds := p.Uint("seconds")
	task := p.Str("task")
	if task == "" {
		task = "default"
	}
	until := time.Now().Add(time.Duration(seconds) * time.Second)
	var counter uint64
	for time.Now().Before(until) {
		if herr := ctx.Err(); herr != nil {
			return nil, herr
		}
		counter++
	}
	return map[string]any{
		"task":       task,
		"seconds":    seconds,
		"iterations": counter,
	}, nil
}

func runLoadTest(p registry.Params, ctx *registry.Ctx) (any, *registry.HandlerError) {
	tasks := p.Uint("tasks")
	sleepMS := p.Uint("sleep")
	start := time.Now()
	for i := uint64(0); i < tasks; i++ {
		if herr := ctx.Err(); herr != nil {
			return nil, herr
		}
		until := time.Now().Add(time.Duration(sleepMS) * time.Millisecond)
		var noisy uint64
		for time.Now().Before(until) {
			if herr := ctx.Err(); herr != nil {
				return nil, herr
			}
			noisy++
		}
	}
	return map[string]any{
		"tasks":      tasks,
		"sleep_ms":   sleepMS,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}, nil
}
