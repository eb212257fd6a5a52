/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"fmt"
	"sync/atomic"

	"github.com/teris-io/shortid"
)

// GenID returns a short, collision-resistant identifier used to name
// housekeeper timers (forward timeouts and sleeps).
func GenID() string {
	id, err := shortid.Generate()
	if err != nil {
		// shortid only errors on a misconfigured generator (never the
		// default one); fall back to a monotonic counter rather than fail.
		return fmt.Sprintf("g%d", nextTie())
	}
	return id
}

// GenName returns an auto-generated name of the form "<prefix>_N" for a
// pool or execution stream added without a name, N being a process-wide
// counter shared with GenID's fallback.
func GenName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, nextTie())
}

var tieCounter int64

func nextTie() int64 { return atomic.AddInt64(&tieCounter, 1) }

// IsValidIdent reports whether s is a valid pool/execution-stream/RPC name:
// non-empty, starting with a letter, and containing only letters, digits,
// underscores and dashes thereafter.
func IsValidIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		case c == '_' || c == '-':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
