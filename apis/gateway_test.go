// Copyright 2021-2022 The vistrack Authors
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

package apis

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGatewayHealthHandlers(t *testing.T) {
	assert := assert.New(t)

	ready := true
	uut, err := GetAPIRestGatewayHandler(nil, func() bool { return ready }, "Test-Request-ID")
	assert.Nil(err)

	// Case 0: liveness always succeeds
	{
		req := httptest.NewRequest("GET", "/alive", nil)
		respRecorder := httptest.NewRecorder()
		uut.AliveHandler()(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp StandardResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.True(resp.Success)
	}

	// Case 1: readiness follows the probe
	{
		req := httptest.NewRequest("GET", "/ready", nil)
		respRecorder := httptest.NewRecorder()
		uut.ReadyHandler()(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Case 2: not ready
	{
		ready = false
		req := httptest.NewRequest("GET", "/ready", nil)
		respRecorder := httptest.NewRecorder()
		uut.ReadyHandler()(respRecorder, req)
		assert.Equal(http.StatusServiceUnavailable, respRecorder.Code)
		var resp StandardResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.False(resp.Success)
		assert.NotNil(resp.Error)
		assert.Equal(http.StatusServiceUnavailable, resp.Error.Code)
	}
}
