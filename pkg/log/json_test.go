// Copyright 2026 The KOS Authors.
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

package log

import (
	"testing"
)

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		level Level
		json  string
	}{
		{Warning, `"warning"`},
		{Info, `"info"`},
		{Debug, `"debug"`},
	} {
		b, err := tc.level.MarshalJSON()
		if err != nil {
			t.Fatalf("MarshalJSON(%v): %v", tc.level, err)
		}
		if string(b) != tc.json {
			t.Errorf("MarshalJSON(%v) = %s, want %s", tc.level, b, tc.json)
		}
		var got Level
		if err := got.UnmarshalJSON(b); err != nil || got != tc.level {
			t.Errorf("UnmarshalJSON(%s) = %v, %v; want %v", b, got, err, tc.level)
		}
	}
}

// Older log files encode the level as an integer.
func TestLevelFromInt(t *testing.T) {
	for s, want := range map[string]Level{"0": Warning, "1": Info, "2": Debug} {
		var got Level
		if err := got.UnmarshalJSON([]byte(s)); err != nil || got != want {
			t.Errorf("UnmarshalJSON(%s) = %v, %v; want %v", s, got, err, want)
		}
	}
}

func TestLevelJSONErrors(t *testing.T) {
	if _, err := Level(7).MarshalJSON(); err == nil {
		t.Errorf("MarshalJSON(7) succeeded")
	}
	for _, s := range []string{`"error"`, "3", `""`} {
		var l Level
		if err := l.UnmarshalJSON([]byte(s)); err == nil {
			t.Errorf("UnmarshalJSON(%s) = %v, want error", s, l)
		}
	}
}
