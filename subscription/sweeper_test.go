// Copyright 2023 The todopush Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/todopush/auth"
	"github.com/alwitt/todopush/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestLivenessSweeper(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer func() {
		utCtxtCancel()
		wg.Wait()
	}()

	authority, err := auth.DefineJWTCredentialAuthority([]byte("ut-sweeper-secret"))
	assert.Nil(err)

	tp, err := common.GetNewTaskProcessorInstance("sweeper-ut", 4, utCtxt)
	assert.Nil(err)
	registry, err := DefineSubscriptionRegistry(tp, authority, time.Hour, time.Minute)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(&wg))

	uut, err := DefineLivenessSweeper(
		registry, time.Millisecond*50, time.Second*30, utCtxt, &wg,
	)
	assert.Nil(err)

	owner := uuid.New().String()
	token, err := authority.Sign(owner, "sweeper@unit-test.dev", time.Hour)
	assert.Nil(err)

	ctxt := context.Background()

	// One subscriber already past the inactivity cutoff, one fresh
	staleID := uuid.New().String()
	freshID := uuid.New().String()
	assert.Nil(registry.Register(staleID, owner, token, time.Now().Add(-time.Hour), ctxt))
	assert.Nil(registry.Register(freshID, owner, token, time.Now(), ctxt))

	assert.Nil(uut.Start())
	defer func() {
		assert.Nil(uut.Stop())
	}()

	// The stale subscriber goes within a few ticks. Presence is checked with
	// an owner-mismatched removal, which reports the record without
	// refreshing it.
	wrongOwner := uuid.New().String()
	swept := false
	for waited := 0; waited < 100; waited++ {
		err := registry.Unregister(staleID, wrongOwner, ctxt)
		if errors.Is(err, ErrUnknownSubscriber) {
			swept = true
			break
		}
		assert.True(errors.Is(err, ErrNotOwner))
		time.Sleep(time.Millisecond * 10)
	}
	assert.True(swept)

	// The fresh subscriber survives
	_, err = registry.Touch(freshID, owner, token, time.Now(), ctxt)
	assert.Nil(err)
}
