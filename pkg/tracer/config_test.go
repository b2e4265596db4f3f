// Copyright 2018 Capsule8, Inc.
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

package tracer

import (
	"testing"

	"github.com/orbitless/tracerd/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopListener struct{}

func (nopListener) OnTid(uint32)                          {}
func (nopListener) OnContextSwitchIn(uint32, int, uint64)  {}
func (nopListener) OnContextSwitchOut(uint32, int, uint64) {}
func (nopListener) OnCallstack(events.Callstack)           {}
func (nopListener) OnGpuJob(events.GpuJob)                 {}
func (nopListener) OnMapsRefresh(events.MapsRefreshEvent)  {}

func TestConfigValidateNilListener(t *testing.T) {
	c := Config{}
	assert.ErrorIs(t, c.Validate(), ErrListenerRequired)
}

func TestConfigValidateZeroSamplingPeriod(t *testing.T) {
	c := Config{Listener: nopListener{}, TraceCallstacks: true}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SamplingPeriodNs")
}

func TestConfigValidateDuplicateInstrumentedFunction(t *testing.T) {
	fn := InstrumentedFunction{BinaryPath: "/bin/foo", FileOffset: 0x1000}
	c := Config{
		Listener:              nopListener{},
		InstrumentedFunctions: []InstrumentedFunction{fn, fn},
	}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate instrumented function")
}

func TestConfigValidateOK(t *testing.T) {
	c := Config{
		Listener:         nopListener{},
		TraceCallstacks:  true,
		SamplingPeriodNs: 1000000,
		InstrumentedFunctions: []InstrumentedFunction{
			{BinaryPath: "/bin/foo", FileOffset: 0x1000},
			{BinaryPath: "/bin/foo", FileOffset: 0x2000},
		},
	}
	assert.NoError(t, c.Validate())
}
