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

package main

import (
	"testing"

	"github.com/alwitt/todopush/common"
	"github.com/stretchr/testify/assert"
)

func TestPrepareNatsClientReportsFailure(t *testing.T) {
	assert := assert.New(t)

	_, _, rtCancel := defineControlVars()
	defer rtCancel()

	// A server URI the transport can not even parse must surface as an error
	// so the server command exits non-zero instead of pretending success
	badConfig := common.NATSConfig{
		ServerURI:      "not a parsable uri",
		ConnectTimeout: 1,
	}
	client, err := prepareNatsClient(badConfig, rtCancel)
	assert.NotNil(err)
	assert.Nil(client)
}
