// Copyright 2024 The Reliq Authors
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

package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionIndexSetAndFind(t *testing.T) {
	idx := newSessionIndex()

	idx.set("S1", "city", "Paris")
	idx.set("S2", "city", "Paris")
	idx.set("S3", "city", "Lyon")

	assert.ElementsMatch(t, []string{"S1", "S2"}, idx.find("city", "Paris"))
	assert.ElementsMatch(t, []string{"S3"}, idx.find("city", "Lyon"))
	assert.Empty(t, idx.find("city", "Nice"))
	assert.Empty(t, idx.find("country", "France"))
}

func TestSessionIndexSetReplacesValue(t *testing.T) {
	idx := newSessionIndex()

	idx.set("S1", "city", "Paris")
	idx.set("S1", "city", "Lyon")

	assert.Empty(t, idx.find("city", "Paris"))
	assert.ElementsMatch(t, []string{"S1"}, idx.find("city", "Lyon"))
}

func TestSessionIndexRemoveField(t *testing.T) {
	idx := newSessionIndex()

	idx.set("S1", "city", "Paris")
	idx.set("S1", "role", "admin")
	idx.removeField("S1", "city")

	assert.Empty(t, idx.find("city", "Paris"))
	assert.ElementsMatch(t, []string{"S1"}, idx.find("role", "admin"))

	// Removing an absent field is a no-op.
	idx.removeField("S1", "city")
	idx.removeField("S9", "city")
}

func TestSessionIndexRemoveToken(t *testing.T) {
	idx := newSessionIndex()

	idx.set("S1", "city", "Paris")
	idx.set("S1", "role", "admin")
	idx.set("S2", "city", "Paris")
	idx.removeToken("S1")

	assert.ElementsMatch(t, []string{"S2"}, idx.find("city", "Paris"))
	assert.Empty(t, idx.find("role", "admin"))
}
