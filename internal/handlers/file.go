package handlers

import (
	"bufio"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dispatchd/internal/registry"
)

const (
	maxRepeatWrites = 10_000
	maxSortItems    = 5_000_000
	grepSampleLines = 10
)

func runCreateFile(p registry.Params, ctx *registry.Ctx) (any, *registry.HandlerError) {
	path, herr := sanitizePath(p.Str("name"), ctx.DataDir)
	if herr != nil {
		return nil, herr
	}
	content := p.Str("content")
	repeat := p.Uint("repeat")

	f, err := os.Create(path)
	if err != nil {
		return nil, registry.IOError(fmt.Sprintf("unable to create %s: %v", path, err))
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	written := 0
	for i := uint64(0); i < repeat; i++ {
		if herr := ctx.Err(); herr != nil {
			return nil, herr
		}
		if i > 0 {
			if err := w.WriteByte('\n'); err != nil {
				return nil, registry.IOError("failed to write file")
			}
			written++
		}
		n, err := w.WriteString(content)
		if err != nil {
			return nil, registry.IOError("failed to write file")
		}
		written += n
	}
	if err := w.Flush(); err != nil {
		return nil, registry.IOError("failed to write file")
	}
	return map[string]any{
		"file":          path,
		"bytes_written": written,
		"repeat":        repeat,
	}, nil
}

func runDeleteFile(p registry.Params, ctx *registry.Ctx) (any, *registry.HandlerError) {
	path, herr := sanitizePath(p.Str("name"), ctx.DataDir)
	if herr != nil {
		return nil, herr
	}
	if err := os.Remove(path); err != nil {
		return nil, registry.IOError(fmt.Sprintf("unable to delete %s: %v", path, err))
	}
	return map[string]any{"file": path, "deleted": true}, nil
}

func runSortFile(p registry.Params, ctx *registry.Ctx) (any, *registry.HandlerError) {
	path, herr := sanitizePath(p.Str("name"), ctx.DataDir)
	if herr != nil {
		return nil, herr
	}
	algo := p.Str("algo")

	start := time.Now()
	values, herr := readIntLines(path, ctx)
	if herr != nil {
		return nil, herr
	}
	if algo == "merge" {
		if herr := mergeSort(values, ctx); herr != nil {
			return nil, herr
		}
	} else {
		if herr := quickSort(values, ctx); herr != nil {
			return nil, herr
		}
	}

	sortedPath := path + ".sorted"
	var sb strings.Builder
	for i, v := range values {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(strconv.FormatInt(v, 10))
	}
	if err := os.WriteFile(sortedPath, []byte(sb.String()), 0o644); err != nil {
		return nil, registry.IOError(fmt.Sprintf("unable to create %s: %v", sortedPath, err))
	}
	return map[string]any{
		"file":        path,
		"algo":        algo,
		"sorted_file": sortedPath,
		"items":       len(values),
		"elapsed_ms":  time.Since(start).Milliseconds(),
	}, nil
}

func readIntLines(path string, ctx *registry.Ctx) ([]int64, *registry.HandlerError) {
	f, err := os.Open(path)
	if err != nil {
		return nil, registry.IOError(fmt.Sprintf("unable to open %s: %v", path, err))
	}
	defer f.Close()

	var values []int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if herr := ctx.Err(); herr != nil {
			return nil, herr
		}
		v, err := strconv.ParseInt(strings.TrimSpace(scanner.Text()), 10, 64)
		if err != nil {
			return nil, registry.IOError("unable to parse integers: " + err.Error())
		}
		values = append(values, v)
		if len(values) > maxSortItems {
			return nil, registry.IOError(fmt.Sprintf("file too large (>%d items) for in-memory sort", maxSortItems))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, registry.IOError("read error: " + err.Error())
	}
	return values, nil
}

func mergeSort(values []int64, ctx *registry.Ctx) *registry.HandlerError {
	if len(values) <= 1 {
		return nil
	}
	if herr := ctx.Err(); herr != nil {
		return herr
	}
	mid := len(values) / 2
	if herr := mergeSort(values[:mid], ctx); herr != nil {
		return herr
	}
	if herr := mergeSort(values[mid:], ctx); herr != nil {
		return herr
	}
	merged := make([]int64, 0, len(values))
	i, j := 0, mid
	for i < mid && j < len(values) {
		if values[i] <= values[j] {
			merged = append(merged, values[i])
			i++
		} else {
			merged = append(merged, values[j])
			j++
		}
	}
	merged = append(merged, values[i:mid]...)
	merged = append(merged, values[j:]...)
	copy(values, merged)
	return nil
}

func quickSort(values []int64, ctx *registry.Ctx) *registry.HandlerError {
	if len(values) <= 1 {
		return nil
	}
	if herr := ctx.Err(); herr != nil {
		return herr
	}
	pivot := values[len(values)-1]
	i := 0
	for j := 0; j < len(values)-1; j++ {
		if values[j] <= pivot {
			values[i], values[j] = values[j], values[i]
			i++
		}
	}
	values[i], values[len(values)-1] = values[len(values)-1], values[i]
	if herr := quickSort(values[:i], ctx); herr != nil {
		return herr
	}
	return quickSort(values[i+1:], ctx)
}

func runWordCount(p registry.Params, ctx *registry.Ctx) (any, *registry.HandlerError) {
	path, herr := sanitizePath(p.Str("name"), ctx.DataDir)
	if herr != nil {
		return nil, herr
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, registry.IOError(fmt.Sprintf("unable to open %s: %v", path, err))
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var bytes, lines, words int
	for {
		if herr := ctx.Err(); herr != nil {
			return nil, herr
		}
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			bytes += len(line)
			lines++
			words += len(strings.Fields(line))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, registry.IOError("read error: " + err.Error())
		}
	}
	return map[string]any{
		"file":  path,
		"bytes": bytes,
		"lines": lines,
		"words": words,
	}, nil
}

func runGrep(p registry.Params, ctx *registry.Ctx) (any, *registry.HandlerError) {
	path, herr := sanitizePath(p.Str("name"), ctx.DataDir)
	if herr != nil {
		return nil, herr
	}
	re, err := regexp.Compile(p.Str("pattern"))
	if err != nil {
		return nil, registry.BadParam("invalid regex: " + err.Error())
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, registry.IOError(fmt.Sprintf("unable to open %s: %v", path, err))
	}
	defer f.Close()

	matches := 0
	sample := make([]string, 0, grepSampleLines)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if herr := ctx.Err(); herr != nil {
			return nil, herr
		}
		line := scanner.Text()
		if re.MatchString(line) {
			matches++
			if len(sample) < grepSampleLines {
				sample = append(sample, line)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, registry.IOError("read error: " + err.Error())
	}
	return map[string]any{
		"file":    path,
		"pattern": re.String(),
		"matches": matches,
		"sample":  sample,
	}, nil
}

func runCompress(p registry.Params, ctx *registry.Ctx) (any, *registry.HandlerError) {
	path, herr := sanitizePath(p.Str("name"), ctx.DataDir)
	if herr != nil {
		return nil, herr
	}
	codec := p.Str("codec")

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, registry.IOError(fmt.Sprintf("unable to open %s: %v", path, err))
	}
	if herr := ctx.Err(); herr != nil {
		return nil, herr
	}

	outPath := path + ".gz"
	out, err := os.Create(outPath)
	if err != nil {
		return nil, registry.IOError(fmt.Sprintf("unable to create %s: %v", outPath, err))
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := gz.Write(contents); err != nil {
		return nil, registry.IOError("gzip write error: " + err.Error())
	}
	if err := gz.Close(); err != nil {
		return nil, registry.IOError("gzip finish error: " + err.Error())
	}

	var bytesOut int64
	if info, err := os.Stat(outPath); err == nil {
		bytesOut = info.Size()
	}
	return map[string]any{
		"file":      path,
		"codec":     codec,
		"output":    outPath,
		"bytes_in":  len(contents),
		"bytes_out": bytesOut,
	}, nil
}

func runHashFile(p registry.Params, ctx *registry.Ctx) (any, *registry.HandlerError) {
	path, herr := sanitizePath(p.Str("name"), ctx.DataDir)
	if herr != nil {
		return nil, herr
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, registry.IOError(fmt.Sprintf("unable to open %s: %v", path, err))
	}
	defer f.Close()

	hasher := sha256.New()
	buf := make([]byte, 64*1024)
	for {
		if herr := ctx.Err(); herr != nil {
			return nil, herr
		}
		n, err := f.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, registry.IOError("read error: " + err.Error())
		}
	}
	return map[string]any{
		"file":      path,
		"algorithm": "sha256",
		"digest":    hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}
