// Package handlers implements the command catalogue behind the registry
// ABI. Every executor is a pure function from validated params to a JSON
// value; heavy executors poll the cancel token at loop boundaries.
package handlers

import "dispatchd/internal/registry"

const (
	maxRandomCount = 1024
	maxMandelDim   = 1000
	maxMatrixSize  = 600
)

// Catalogue builds the full command table served by the dispatcher.
func Catalogue() *registry.Registry {
	return registry.New(
		&registry.Handler{
			Path:          "/reverse",
			Summary:       "GET /reverse?text=...",
			Nature:        registry.NatureFast,
			Deterministic: true,
			Params:        []registry.ParamSpec{registry.StrParam("text", true)},
			Run:           runReverse,
		},
		&registry.Handler{
			Path:          "/toupper",
			Summary:       "GET /toupper?text=...",
			Nature:        registry.NatureFast,
			Deterministic: true,
			Params:        []registry.ParamSpec{registry.StrParam("text", true)},
			Run:           runToUpper,
		},
		&registry.Handler{
			Path:          "/hash",
			Summary:       "GET /hash?text=...",
			Nature:        registry.NatureFast,
			Deterministic: true,
			Params:        []registry.ParamSpec{registry.StrParam("text", true)},
			Run:           runHash,
		},
		&registry.Handler{
			Path:          "/timestamp",
			Summary:       "GET /timestamp",
			Nature:        registry.NatureFast,
			Deterministic: false,
			NoParams:      true,
			Run:           runTimestamp,
		},
		&registry.Handler{
			Path:          "/random",
			Summary:       "GET /random?count=..&min=..&max=..",
			Nature:        registry.NatureFast,
			Deterministic: false,
			Params: []registry.ParamSpec{
				registry.UintParam("count", false, 1, 1, maxRandomCount),
				registry.IntParam("min", false, 0),
				registry.IntParam("max", false, 100),
			},
			Run: runRandom,
		},
		&registry.Handler{
			Path:          "/fibonacci",
			Summary:       "GET /fibonacci?num=...",
			Nature:        registry.NatureFast,
			Deterministic: true,
			Params:        []registry.ParamSpec{registry.UintParam("num", true, 0, 0, maxFibonacci, "n")},
			Run:           runFibonacci,
		},
		&registry.Handler{
			Path:          "/isprime",
			Summary:       "GET /isprime?n=..",
			Nature:        registry.NatureHeavy,
			Deterministic: true,
			Params:        []registry.ParamSpec{registry.UintParam("n", true, 0, 0, ^uint64(0))},
			Run:           runIsPrime,
		},
		&registry.Handler{
			Path:          "/factor",
			Summary:       "GET /factor?n=..",
			Nature:        registry.NatureHeavy,
			Deterministic: true,
			Params:        []registry.ParamSpec{registry.UintParam("n", true, 0, 0, ^uint64(0))},
			Run:           runFactor,
		},
		&registry.Handler{
			Path:          "/pi",
			Summary:       "GET /pi?digits=..",
			Nature:        registry.NatureHeavy,
			Deterministic: true,
			Params:        []registry.ParamSpec{registry.UintParam("digits", false, 10, 1, maxPiDigits, "iters")},
			Run:           runPi,
		},
		&registry.Handler{
			Path:          "/mandelbrot",
			Summary:       "GET /mandelbrot?width=..&height=..&max_iter=..",
			Nature:        registry.NatureHeavy,
			Deterministic: true,
			Params: []registry.ParamSpec{
				registry.UintParam("width", false, 80, 1, maxMandelDim),
				registry.UintParam("height", false, 24, 1, maxMandelDim),
				registry.UintParam("max_iter", false, 50, 1, ^uint64(0), "iter"),
				registry.StrParam("file", false),
			},
			Run: runMandelbrot,
		},
		&registry.Handler{
			Path:          "/matrixmul",
			Summary:       "GET /matrixmul?size=..&seed=..",
			Nature:        registry.NatureHeavy,
			Deterministic: true,
			Params: []registry.ParamSpec{
				registry.UintParam("size", false, 100, 1, maxMatrixSize, "n"),
				registry.UintParam("seed", false, 42, 0, ^uint64(0)),
			},
			Run: runMatrixMul,
		},
		&registry.Handler{
			Path:          "/createfile",
			Summary:       "GET /createfile?name=..&content=..&repeat=..",
			Nature:        registry.NatureHeavy,
			Deterministic: true,
			Params: []registry.ParamSpec{
				registry.StrParam("name", true, "path"),
				registry.StrParam("content", false),
				registry.UintParam("repeat", false, 1, 1, maxRepeatWrites),
			},
			Run: runCreateFile,
		},
		&registry.Handler{
			Path:          "/deletefile",
			Summary:       "GET /deletefile?name=..",
			Nature:        registry.NatureHeavy,
			Deterministic: true,
			Params:        []registry.ParamSpec{registry.StrParam("name", true, "path")},
			Run:           runDeleteFile,
		},
		&registry.Handler{
			Path:          "/sortfile",
			Summary:       "GET /sortfile?name=..&algo=merge|quick",
			Nature:        registry.NatureHeavy,
			Deterministic: true,
			Params: []registry.ParamSpec{
				registry.StrParam("name", true, "path"),
				registry.EnumParam("algo", false, "quick", "quick", "merge"),
			},
			Run: runSortFile,
		},
		&registry.Handler{
			Path:          "/wordcount",
			Summary:       "GET /wordcount?name=..",
			Nature:        registry.NatureHeavy,
			Deterministic: true,
			Params:        []registry.ParamSpec{registry.StrParam("name", true, "path")},
			Run:           runWordCount,
		},
		&registry.Handler{
			Path:          "/grep",
			Summary:       "GET /grep?name=..&pattern=..",
			Nature:        registry.NatureHeavy,
			Deterministic: true,
			Params: []registry.ParamSpec{
				registry.StrParam("name", true, "path"),
				registry.StrParam("pattern", true),
			},
			Run: runGrep,
		},
		&registry.Handler{
			Path:          "/compress",
			Summary:       "GET /compress?name=..&codec=gzip",
			Nature:        registry.NatureHeavy,
			Deterministic: true,
			Params: []registry.ParamSpec{
				registry.StrParam("name", true, "path"),
				registry.EnumParam("codec", false, "gzip", "gzip"),
			},
			Run: runCompress,
		},
		&registry.Handler{
			Path:          "/hashfile",
			Summary:       "GET /hashfile?name=..&algo=sha256",
			Nature:        registry.NatureHeavy,
			Deterministic: true,
			Params: []registry.ParamSpec{
				registry.StrParam("name", true, "path"),
				registry.EnumParam("algo", false, "sha256", "sha256"),
			},
			Run: runHashFile,
		},
		&registry.Handler{
			Path:          "/sleep",
			Summary:       "GET /sleep?seconds=...",
			Nature:        registry.NatureHeavy,
			Deterministic: true,
			Params:        []registry.ParamSpec{registry.UintParam("seconds", false, 0, 0, ^uint64(0))},
			Run:           runSleep,
		},
		&registry.Handler{
			Path:          "/simulate",
			Summary:       "GET /simulate?seconds=..&task=..",
			Nature:        registry.NatureHeavy,
			Deterministic: true,
			Params: []registry.ParamSpec{
				registry.UintParam("seconds", false, 0, 0, ^uint64(0)),
				registry.StrParam("task", false),
			},
			Run: runSimulate,
		},
		&registry.Handler{
			Path:          "/loadtest",
			Summary:       "GET /loadtest?tasks=..&sleep=..",
			Nature:        registry.NatureHeavy,
			Deterministic: true,
			Params: []registry.ParamSpec{
				registry.UintParam("tasks", false, 10, 0, ^uint64(0), "jobs"),
				registry.UintParam("sleep", false, 50, 0, ^uint64(0), "ms"),
			},
			Run: runLoadTest,
		},
	)
}
