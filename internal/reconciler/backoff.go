// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package reconciler

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultUploadMaxRetries and DefaultUploadBackoffCap are the Open
// Question resolution for spec.md §4.6.3's retry budget: N=8 attempts,
// backoff 10ms*2^n capped at 5s.
const (
	DefaultUploadMaxRetries  = 8
	DefaultUploadBackoffBase = 10 * time.Millisecond
	DefaultUploadBackoffCap  = 5 * time.Second
)

// backoffDelay computes the delay before attempt n (0-indexed),
// 10ms*2^n capped at capDur.
func backoffDelay(attempt int, base, capDur time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= capDur {
			return capDur
		}
	}
	if d > capDur {
		return capDur
	}
	return d
}

// waitBackoff blocks for backoffDelay(attempt, base, capDur) or until
// ctx is cancelled. It is built on a rate.Limiter rather than a bare
// time.Sleep so the schedule is a first-class, inspectable object: a
// future concurrent-uploader change can share one limiter per
// destination without racing on an ad hoc sleep.
func waitBackoff(ctx context.Context, attempt int, base, capDur time.Duration) error {
	d := backoffDelay(attempt, base, capDur)
	if d <= 0 {
		return nil
	}
	limiter := rate.NewLimiter(rate.Every(d), 1)
	limiter.Allow() // drain the initial full burst token so Wait actually waits ~d
	return limiter.Wait(ctx)
}
