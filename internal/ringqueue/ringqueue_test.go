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

package ringqueue_test

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/sysmon-dev/sysmon/internal/ringqueue"
)

func TestPushPopFIFO(t *testing.T) {
	q := ringqueue.New[int](4)
	for i := 1; i <= 3; i++ {
		assert.NilError(t, q.Push(i))
	}
	assert.Equal(t, 3, q.Len())
	assert.DeepEqual(t, []int{1, 2}, q.PopBatch(2))
	assert.DeepEqual(t, []int{3}, q.PopBatch(10))
	assert.Equal(t, 0, q.Len())
}

func TestPushFullErrors(t *testing.T) {
	q := ringqueue.New[int](2)
	assert.NilError(t, q.Push(1))
	assert.NilError(t, q.Push(2))
	assert.ErrorIs(t, q.Push(3), ringqueue.ErrFull)
	assert.Equal(t, 2, q.Len())
}

func TestPushEvictDropsOldest(t *testing.T) {
	q := ringqueue.New[int](3)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, 0, q.PushEvict(i))
	}
	assert.Equal(t, 1, q.PushEvict(4))
	assert.DeepEqual(t, []int{2, 3, 4}, q.PopBatch(10))
}

func TestPushFrontReinserts(t *testing.T) {
	q := ringqueue.New[int](4)
	q.Push(3)
	q.Push(4)
	assert.Equal(t, 0, q.PushFront(2))
	assert.Equal(t, 0, q.PushFront(1))
	assert.DeepEqual(t, []int{1, 2, 3, 4}, q.PopBatch(10))
}

func TestPushFrontFullDropsTail(t *testing.T) {
	q := ringqueue.New[int](3)
	q.Push(2)
	q.Push(3)
	q.Push(4)
	assert.Equal(t, 1, q.PushFront(1))
	assert.DeepEqual(t, []int{1, 2, 3}, q.PopBatch(10))
}

func TestWrapAround(t *testing.T) {
	q := ringqueue.New[int](3)
	q.Push(1)
	q.Push(2)
	q.PopBatch(1)
	q.Push(3)
	q.Push(4)
	assert.DeepEqual(t, []int{2, 3, 4}, q.PopBatch(10))
}

func TestPopBatchEmpty(t *testing.T) {
	q := ringqueue.New[int](2)
	assert.Check(t, q.PopBatch(5) == nil)
}
