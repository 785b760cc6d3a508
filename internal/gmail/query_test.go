// Copyright (c) 2026 John Earle
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

package gmail

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

// TestBuildQuery verifies the search expression: unix lookback bound,
// attachment requirement, bilingual subject keywords and the optional
// sender OR-group.
func TestBuildQuery(t *testing.T) {
	after := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("without sender filters", func(t *testing.T) {
		q := BuildQuery(after, nil)

		if !strings.HasPrefix(q, fmt.Sprintf("after:%d ", after.Unix())) {
			t.Errorf("query missing unix lookback bound: %q", q)
		}
		if !strings.Contains(q, "has:attachment") {
			t.Errorf("query missing attachment requirement: %q", q)
		}
		for _, kw := range []string{"subject:invoice", "subject:חשבונית", "subject:receipt", "subject:קבלה"} {
			if !strings.Contains(q, kw) {
				t.Errorf("query missing keyword %q: %q", kw, q)
			}
		}
		if strings.Contains(q, "from:") {
			t.Errorf("query has sender group without filters: %q", q)
		}
	})

	t.Run("with sender filters", func(t *testing.T) {
		q := BuildQuery(after, []string{"billing@netflix.com", "spotify.com"})

		want := "(from:billing@netflix.com OR from:spotify.com)"
		if !strings.Contains(q, want) {
			t.Errorf("query missing sender group %q: %q", want, q)
		}
	})
}
