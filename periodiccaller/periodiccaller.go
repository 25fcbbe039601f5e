// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package periodiccaller allows periodic calls of functions.
package periodiccaller // import "github.com/pmltools/pmlbaker/periodiccaller"

import (
	"context"
	"sync"
	"time"
)

// Start starts a timer that calls <callback> every <interval> until the <ctx> is canceled or
// the returned stop function is called. Once stop returns, no callback is running anymore.
func Start(ctx context.Context, interval time.Duration, callback func()) (stop func()) {
	return StartWithManualTrigger(ctx, interval, nil, func(bool) { callback() })
}

// StartWithManualTrigger is like Start, additionally every value received from <trigger>
// calls <callback> immediately. A nil trigger channel never fires.
func StartWithManualTrigger(ctx context.Context, interval time.Duration, trigger <-chan bool,
	callback func(manualTrigger bool)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				callback(false)
			case <-trigger:
				callback(true)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
