package handlers

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"dispatchd/internal/registry"
)

// fib(93) is the largest Fibonacci number that fits in a uint64.
const maxFibonacci = 93

func runFibonacci(p registry.Params, _ *registry.Ctx) (any, *registry.HandlerError) {
	n := p.Uint("num")
	if n > maxFibonacci {
		return nil, registry.Overflow(fmt.Sprintf("num exceeds safe range (<=%d)", maxFibonacci))
	}
	var a, b uint64 = 0, 1
	for i := uint64(0); i < n; i++ {
		a, b = b, a+b
	}
	return map[string]any{"num": n, "value": a}, nil
}

func runIsPrime(p registry.Params, ctx *registry.Ctx) (any, *registry.HandlerError) {
	n := p.Uint("n")
	start := time.Now()
	prime, herr := checkPrime(n, ctx)
	if herr != nil {
		return nil, herr
	}
	return map[string]any{
		"n":          n,
		"is_prime":   prime,
		"method":     "trial-division",
		"elapsed_ms": time.Since(start).Milliseconds(),
	}, nil
}

func checkPrime(n uint64, ctx *registry.Ctx) (bool, *registry.HandlerError) {
	if n < 2 {
		return false, nil
	}
	if n%2 == 0 {
		return n == 2, nil
	}
	for d := uint64(3); d*d <= n; d += 2 {
		if herr := ctx.Err(); herr != nil {
			return false, herr
		}
		if n%d == 0 {
			return false, nil
		}
	}
	return true, nil
}

func runFactor(p registry.Params, ctx *registry.Ctx) (any, *registry.HandlerError) {
	n := p.Uint("n")
	start := time.Now()
	factors, herr := factorize(n, ctx)
	if herr != nil {
		return nil, herr
	}
	return map[string]any{
		"n":          n,
		"factors":    factors,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}, nil
}

// factorize returns [prime, exponent] pairs in ascending prime order.
func factorize(n uint64, ctx *registry.Ctx) ([][2]uint64, *registry.HandlerError) {
	if n < 2 {
		return [][2]uint64{{n, 1}}, nil
	}
	var res [][2]uint64
	d := uint64(2)
	for d*d <= n {
		if herr := ctx.Err(); herr != nil {
			return nil, herr
		}
		var cnt uint64
		for n%d == 0 {
			n /= d
			cnt++
		}
		if cnt > 0 {
			res = append(res, [2]uint64{d, cnt})
		}
		if d == 2 {
			d++
		} else {
			d += 2
		}
	}
	if n > 1 {
		res = append(res, [2]uint64{n, 1})
	}
	return res, nil
}

const maxPiDigits = 1000

func runPi(p registry.Params, ctx *registry.Ctx) (any, *registry.HandlerError) {
	digits := p.Uint("digits")
	start := time.Now()
	pi, herr := computePiDigits(int(digits), ctx)
	if herr != nil {
		return nil, herr
	}
	return map[string]any{
		"digits":     digits,
		"pi":         pi,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}, nil
}

// computePiDigits runs the Rabinowitz-Wagon spigot, polling for
// cancellation once per produced digit.
func computePiDigits(digits int, ctx *registry.Ctx) (string, *registry.HandlerError) {
	if digits == 0 {
		return "3", nil
	}
	// The spigot emits a leading 0 before the 3, so it runs one round
	// more than the requested decimals and both are dropped at the end.
	rounds := digits + 1
	var pi strings.Builder
	length := rounds*10/3 + 2
	array := make([]uint32, length)
	for i := range array {
		array[i] = 2
	}
	nines := 0
	predigit := uint32(0)

	for range rounds {
		if herr := ctx.Err(); herr != nil {
			return "", herr
		}
		carry := uint32(0)
		for j := length - 1; j >= 0; j-- {
			denominator := 2*uint32(j) + 1
			num := array[j]*10 + carry
			array[j] = num % denominator
			carry = num / denominator
			if j > 0 {
				carry *= uint32(j)
			}
		}
		array[0] = carry % 10
		digit := carry / 10
		switch {
		case digit == 9:
			nines++
		case digit == 10:
			pi.WriteString(strconv.FormatUint(uint64(predigit+1), 10))
			for range nines {
				pi.WriteByte('0')
			}
			predigit = 0
			nines = 0
		default:
			pi.WriteString(strconv.FormatUint(uint64(predigit), 10))
			predigit = digit
			for range nines {
				pi.WriteByte('9')
			}
			nines = 0
		}
	}
	pi.WriteString(strconv.FormatUint(uint64(predigit), 10))
	for range nines {
		pi.WriteByte('9')
	}
	return "3." + pi.String()[2:], nil
}

func runMandelbrot(p registry.Params, ctx *registry.Ctx) (any, *registry.HandlerError) {
	width := int(p.Uint("width"))
	height := int(p.Uint("height"))
	maxIter := uint32(p.Uint("max_iter"))

	var outPath string
	if p.Has("file") {
		path, herr := sanitizePath(p.Str("file"), ctx.DataDir)
		if herr != nil {
			return nil, herr
		}
		outPath = path
	}

	start := time.Now()
	grid := make([][]uint32, height)
	for y := 0; y < height; y++ {
		if herr := ctx.Err(); herr != nil {
			return nil, herr
		}
		row := make([]uint32, width)
		for x := 0; x < width; x++ {
			cx := (float64(x)/float64(width))*3.5 - 2.5
			cy := (float64(y)/float64(height))*2.0 - 1.0
			var zx, zy float64
			var iter uint32
			for zx*zx+zy*zy <= 4.0 && iter < maxIter {
				zx, zy = zx*zx-zy*zy+cx, 2.0*zx*zy+cy
				iter++
			}
			row[x] = iter
		}
		grid[y] = row
	}
	elapsed := time.Since(start).Milliseconds()

	var written any
	if outPath != "" {
		if herr := ctx.Err(); herr != nil {
			return nil, herr
		}
		if err := writePGM(outPath, grid, width, height, maxIter); err != nil {
			return nil, registry.IOError(err.Error())
		}
		written = outPath
	}
	return map[string]any{
		"width":      width,
		"height":     height,
		"max_iter":   maxIter,
		"elapsed_ms": elapsed,
		"file":       written,
		"iterations": grid,
	}, nil
}

func writePGM(path string, grid [][]uint32, width, height int, maxIter uint32) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "P2\n%d %d\n255\n", width, height)
	if maxIter == 0 {
		maxIter = 1
	}
	for _, row := range grid {
		for _, v := range row {
			fmt.Fprintf(&sb, "%d ", uint32(uint64(v)*255/uint64(maxIter)))
		}
		sb.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

func runMatrixMul(p registry.Params, ctx *registry.Ctx) (any, *registry.HandlerError) {
	size := int(p.Uint("size"))
	seed := p.Uint("seed")

	start := time.Now()
	rng := rand.New(rand.NewPCG(seed, seed))
	a := make([]float64, size*size)
	b := make([]float64, size*size)
	for i := range a {
		a[i] = rng.Float64()
	}
	for i := range b {
		b[i] = rng.Float64()
	}
	c := make([]float64, size*size)
	for i := 0; i < size; i++ {
		if herr := ctx.Err(); herr != nil {
			return nil, herr
		}
		for k := 0; k < size; k++ {
			aik := a[i*size+k]
			for j := 0; j < size; j++ {
				c[i*size+j] += aik * b[k*size+j]
			}
		}
	}

	hasher := sha256.New()
	var buf [8]byte
	for _, v := range c {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		hasher.Write(buf[:])
	}
	return map[string]any{
		"size":          size,
		"seed":          seed,
		"result_sha256": hex.EncodeToString(hasher.Sum(nil)),
		"elapsed_ms":    time.Since(start).Milliseconds(),
	}, nil
}
