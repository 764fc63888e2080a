// Copyright 2024 The sysmon Authors
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

package alert

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func testRule(duration, cooldown time.Duration) *Rule {
	return &Rule{
		Name:      "cpu-high",
		Metric:    "cpu.total_usage",
		Condition: Above,
		Threshold: 50,
		Duration:  duration,
		Cooldown:  cooldown,
		Severity:  Warning,
	}
}

func TestConditions(t *testing.T) {
	assert.Check(t, Above.Breached(51, 50))
	assert.Check(t, !Above.Breached(50, 50)) // strict
	assert.Check(t, Below.Breached(49, 50))
	assert.Check(t, !Below.Breached(50, 50)) // strict
	assert.Check(t, Equals.Breached(50.0005, 50))
	assert.Check(t, !Equals.Breached(50.002, 50))
}

func TestDurationArming(t *testing.T) {
	r := testRule(3*time.Second, time.Minute)
	in := &Instance{}
	t0 := time.Unix(1000, 0)

	// Breaching observations every second: no firing before the
	// duration has elapsed since the first breach.
	assert.Check(t, !in.Observe(r, 75, t0))
	assert.Check(t, !in.Observe(r, 75, t0.Add(1*time.Second)))
	assert.Check(t, !in.Observe(r, 75, t0.Add(2*time.Second)))
	assert.Check(t, in.Observe(r, 75, t0.Add(3*time.Second)))

	// Cooldown suppresses further firings.
	for i := 4; i < 60; i++ {
		assert.Check(t, !in.Observe(r, 75, t0.Add(time.Duration(i)*time.Second)))
	}
}

func TestNonBreachResetsArming(t *testing.T) {
	r := testRule(3*time.Second, time.Minute)
	in := &Instance{}
	t0 := time.Unix(1000, 0)

	assert.Check(t, !in.Observe(r, 75, t0))
	assert.Check(t, !in.Observe(r, 10, t0.Add(1*time.Second))) // back to normal
	assert.Check(t, !in.Observe(r, 75, t0.Add(2*time.Second)))
	// Timer restarted: 3s from the new breach, not the first.
	assert.Check(t, !in.Observe(r, 75, t0.Add(4*time.Second)))
	assert.Check(t, in.Observe(r, 75, t0.Add(5*time.Second)))
}

func TestZeroDurationFiresImmediately(t *testing.T) {
	r := testRule(0, time.Minute)
	in := &Instance{}
	assert.Check(t, in.Observe(r, 75, time.Unix(1000, 0)))
}

func TestZeroCooldownRefiresEveryBreach(t *testing.T) {
	r := testRule(0, 0)
	in := &Instance{}
	t0 := time.Unix(1000, 0)
	for i := 0; i < 5; i++ {
		assert.Check(t, in.Observe(r, 75, t0.Add(time.Duration(i)*time.Second)))
	}
}

func TestAtMostOneFiringPerCooldownWindow(t *testing.T) {
	r := testRule(0, 10*time.Second)
	in := &Instance{}
	t0 := time.Unix(1000, 0)

	fired := 0
	for i := 0; i <= 25; i++ {
		if in.Observe(r, 75, t0.Add(time.Duration(i)*time.Second)) {
			fired++
		}
	}
	// 26 seconds of sustained breach with a 10s cooldown: t=0, t=10,
	// t=20 (duration is zero, so re-arming fires on the same tick).
	assert.Equal(t, 3, fired)
}

func TestCooldownExitsToNormalWhenClear(t *testing.T) {
	r := testRule(0, 5*time.Second)
	in := &Instance{}
	t0 := time.Unix(1000, 0)

	assert.Check(t, in.Observe(r, 75, t0))
	// Still in cooldown, breaching: nothing.
	assert.Check(t, !in.Observe(r, 75, t0.Add(2*time.Second)))
	// Cooldown over, not breaching: back to normal.
	assert.Check(t, !in.Observe(r, 10, t0.Add(6*time.Second)))
	// Fresh breach fires again (duration 0).
	assert.Check(t, in.Observe(r, 75, t0.Add(7*time.Second)))
}

func TestArmedTimerSurvivesSilence(t *testing.T) {
	r := testRule(3*time.Second, time.Minute)
	in := &Instance{}
	t0 := time.Unix(1000, 0)

	assert.Check(t, !in.Observe(r, 75, t0))
	// Silence (no observations) for 10s, then a breaching sample: the
	// armed timer kept running and the breach promotes immediately.
	assert.Check(t, in.Observe(r, 75, t0.Add(10*time.Second)))
}

func TestBelowAndEqualsRules(t *testing.T) {
	below := &Rule{Name: "low", Metric: "m", Condition: Below, Threshold: 5, Cooldown: time.Minute}
	in := &Instance{}
	assert.Check(t, in.Observe(below, 4, time.Unix(0, 0)))

	eq := &Rule{Name: "eq", Metric: "m", Condition: Equals, Threshold: 5, Cooldown: time.Minute}
	in2 := &Instance{}
	assert.Check(t, in2.Observe(eq, 5.0004, time.Unix(0, 0)))
}
