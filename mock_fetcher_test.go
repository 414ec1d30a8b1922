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

package farmsync_test

// Mock implementation of Fetcher.

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/unifarm/farmsync"
)

type MockFetcher struct {
	mock.Mock
}

var _ farmsync.Fetcher = &MockFetcher{}

func (m *MockFetcher) FetchBalance(ctx context.Context, userID int64) (farmsync.Balance, error) {
	args := m.Called(ctx, userID)
	var retval farmsync.Balance
	if retval2, ok := args.Get(0).(farmsync.Balance); ok {
		retval = retval2
	}
	return retval, args.Error(1)
}

func (m *MockFetcher) FetchFarmingStatus(ctx context.Context, userID int64) (farmsync.FarmingStatus, error) {
	args := m.Called(ctx, userID)
	var retval farmsync.FarmingStatus
	if retval2, ok := args.Get(0).(farmsync.FarmingStatus); ok {
		retval = retval2
	}
	return retval, args.Error(1)
}
