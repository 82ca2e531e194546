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
	"sync"
	"time"

	"github.com/alwitt/todopush/common"
	"github.com/apex/log"
)

// LivenessSweeper periodically evicts subscribers which stopped heartbeating
type LivenessSweeper interface {
	// Start begin the periodic sweep
	Start() error
	// Stop end the periodic sweep
	Stop() error
}

// livenessSweeperImpl implements LivenessSweeper
type livenessSweeperImpl struct {
	common.Component
	registry          Registry
	timer             common.IntervalTimer
	sweepInterval     time.Duration
	maxInactivePeriod time.Duration
	rootContext       context.Context
}

// DefineLivenessSweeper create new subscriber liveness sweeper
func DefineLivenessSweeper(
	registry Registry,
	sweepInterval time.Duration,
	maxInactivePeriod time.Duration,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (LivenessSweeper, error) {
	logTags := log.Fields{
		"module": "subscription", "component": "liveness-sweeper",
	}
	timer, err := common.GetIntervalTimerInstance("subscriber-liveness", rootCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sweep timer")
		return nil, err
	}
	return &livenessSweeperImpl{
		Component:         common.Component{LogTags: logTags},
		registry:          registry,
		timer:             timer,
		sweepInterval:     sweepInterval,
		maxInactivePeriod: maxInactivePeriod,
		rootContext:       rootCtxt,
	}, nil
}

// Start begin the periodic sweep
func (s *livenessSweeperImpl) Start() error {
	log.WithFields(s.LogTags).Infof(
		"Sweeping every %s for subscribers inactive beyond %s",
		s.sweepInterval,
		s.maxInactivePeriod,
	)
	return s.timer.Start(s.sweepInterval, s.sweep, false)
}

// Stop end the periodic sweep
func (s *livenessSweeperImpl) Stop() error {
	return s.timer.Stop()
}

// sweep one pass over the registry
func (s *livenessSweeperImpl) sweep() error {
	if err := s.registry.ClearInactiveSubscribers(
		s.maxInactivePeriod, time.Now(), s.rootContext,
	); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Liveness sweep failed")
		return err
	}
	return nil
}
