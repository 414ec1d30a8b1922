/*
Copyright 2024-2025 UniFarm Connect

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package farmsync

import (
	"context"
	"time"

	"github.com/mailgun/holster/v4/syncutil"
	"github.com/sirupsen/logrus"
)

// AutoRefresher periodically asks the coordinator to refresh one user.
// The next period only starts once the previous request has returned, so
// refreshes of the same user never overlap.
type AutoRefresher struct {
	userID   int64
	coord    *UpdateCoordinator
	interval *Interval
	cancel   context.CancelFunc
	wg       syncutil.WaitGroup
	log      logrus.FieldLogger
}

func NewAutoRefresher(coord *UpdateCoordinator, userID int64, every time.Duration, log logrus.FieldLogger) *AutoRefresher {
	r := &AutoRefresher{
		userID:   userID,
		coord:    coord,
		interval: NewInterval(every),
		log:      log.WithField("user_id", userID),
	}

	var ctx context.Context
	ctx, r.cancel = context.WithCancel(context.Background())

	r.interval.Next()
	r.wg.Until(func(done chan struct{}) bool {
		select {
		case <-r.interval.C:
			result := r.coord.RequestUpdate(ctx, r.userID, SourceInterval, false)
			r.log.WithField("outcome", result.Outcome.String()).Debug("auto refresh")
			r.interval.Next()
			return true
		case <-done:
			return false
		}
	})
	return r
}

func (r *AutoRefresher) Stop() {
	// Cancel first so an in-flight request stops debouncing
	r.cancel()
	r.wg.Stop()
	r.interval.Stop()
}
