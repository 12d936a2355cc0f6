package reshake

import (
	"fmt"
	"math"
	"unicode"

	"github.com/blockberries/reshake/pkg/wire"
)

// MaxTaskIDLength bounds TaskRequest.TaskID.
const MaxTaskIDLength = 256

// ValidateTaskRequest checks a task request before it is handed to the
// handshake layer. A request must:
//   - Carry a non-empty task ID of printable characters, at most MaxTaskIDLength bytes
//   - Have finite, non-negative performance index and price
//   - Have non-negative resource and memory sizes
//   - Offer at least one core
//
// Returns nil if valid, or an error wrapping ErrInvalidTaskRequest.
func ValidateTaskRequest(req wire.TaskRequest) error {
	if req.TaskID == "" {
		return fmt.Errorf("%w: task id cannot be empty", ErrInvalidTaskRequest)
	}
	if len(req.TaskID) > MaxTaskIDLength {
		return fmt.Errorf("%w: task id of %d bytes exceeds maximum of %d",
			ErrInvalidTaskRequest, len(req.TaskID), MaxTaskIDLength)
	}
	for i, r := range req.TaskID {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("%w: invalid character %q in task id at position %d",
				ErrInvalidTaskRequest, r, i)
		}
	}

	if !validAmount(req.PerfIndex) {
		return fmt.Errorf("%w: perf index %v", ErrInvalidTaskRequest, req.PerfIndex)
	}
	if !validAmount(req.Price) {
		return fmt.Errorf("%w: price %v", ErrInvalidTaskRequest, req.Price)
	}
	if req.MaxResourceSize < 0 {
		return fmt.Errorf("%w: max resource size cannot be negative", ErrInvalidTaskRequest)
	}
	if req.MaxMemorySize < 0 {
		return fmt.Errorf("%w: max memory size cannot be negative", ErrInvalidTaskRequest)
	}
	if req.NumCores < 1 {
		return fmt.Errorf("%w: at least one core is required, got %d", ErrInvalidTaskRequest, req.NumCores)
	}

	return nil
}

func validAmount(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
