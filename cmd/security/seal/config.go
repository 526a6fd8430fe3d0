package seal

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Params controls Argon2id key-derivation cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
}

// DefaultParams returns the baseline used when no env overrides exist.
func DefaultParams() Params {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Params{
		MemoryKiB:   64 * 1024,
		Iterations:  3,
		Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above.
		SaltLength:  16,
	}
}

// ParamsFromEnv loads Params from environment variables.
//
// Env surface:
// - SESSIOND_SEAL_MEMORY_KIB
// - SESSIOND_SEAL_ITERATIONS
// - SESSIOND_SEAL_PARALLELISM
// - SESSIOND_SEAL_SALT_LEN
func ParamsFromEnv() (Params, error) {
	p := DefaultParams()

	if v, ok := os.LookupEnv("SESSIOND_SEAL_MEMORY_KIB"); ok {
		u, err := atou32(v, 8*1024, 1024*1024)
		if err != nil {
			return Params{}, fmt.Errorf("SESSIOND_SEAL_MEMORY_KIB: %w", err)
		}
		p.MemoryKiB = u
	}

	if v, ok := os.LookupEnv("SESSIOND_SEAL_ITERATIONS"); ok {
		u, err := atou32(v, 1, 20)
		if err != nil {
			return Params{}, fmt.Errorf("SESSIOND_SEAL_ITERATIONS: %w", err)
		}
		p.Iterations = u
	}

	if v, ok := os.LookupEnv("SESSIOND_SEAL_PARALLELISM"); ok {
		u, err := atou32(v, 1, 64)
		if err != nil {
			return Params{}, fmt.Errorf("SESSIOND_SEAL_PARALLELISM: %w", err)
		}
		par, err := u32ToU8(u)
		if err != nil {
			return Params{}, fmt.Errorf("SESSIOND_SEAL_PARALLELISM: %w", err)
		}
		p.Parallelism = par
	}

	if v, ok := os.LookupEnv("SESSIOND_SEAL_SALT_LEN"); ok {
		u, err := atou32(v, 8, 64)
		if err != nil {
			return Params{}, fmt.Errorf("SESSIOND_SEAL_SALT_LEN: %w", err)
		}
		p.SaltLength = u
	}

	return p, nil
}

// withinBounds rejects blobs whose parameters exceed the configured limits by a wide margin.
func withinBounds(got, limits Params) bool {
	if got.MemoryKiB == 0 || got.Iterations == 0 || got.Parallelism == 0 {
		return false
	}
	if got.MemoryKiB > limits.MemoryKiB*2 {
		return false
	}
	if got.Iterations > limits.Iterations*2 {
		return false
	}
	if got.Parallelism > limits.Parallelism*2 {
		return false
	}
	if got.SaltLength < 8 || got.SaltLength > 64 {
		return false
	}
	return true
}

func atou32(s string, minVal, maxVal uint32) (uint32, error) {
	s = strings.TrimSpace(s)
	u64, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an unsigned integer")
	}

	u := uint32(u64)
	if u < minVal || u > maxVal {
		return 0, fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return u, nil
}

func u32ToU8(u uint32) (uint8, error) {
	if u > math.MaxUint8 {
		return 0, fmt.Errorf("out of range [0..%d]", math.MaxUint8)
	}
	return uint8(u), nil
}
