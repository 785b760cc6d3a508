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
	"time"
)

// Invoice-like subject keywords, English and Hebrew. The pipeline's
// target audience bills in both.
var subjectKeywords = []string{"invoice", "חשבונית", "receipt", "קבלה"}

// BuildQuery composes a Gmail search expression: lower-bound date AND
// has-attachment AND an OR-group of subject keywords, further ANDed with
// an OR-group of sender filters when any are configured.
func BuildQuery(after time.Time, senderFilters []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "after:%d has:attachment", after.Unix())

	subjects := make([]string, len(subjectKeywords))
	for i, kw := range subjectKeywords {
		subjects[i] = "subject:" + kw
	}
	fmt.Fprintf(&b, " (%s)", strings.Join(subjects, " OR "))

	var senders []string
	for _, s := range senderFilters {
		if s = strings.TrimSpace(s); s != "" {
			senders = append(senders, "from:"+s)
		}
	}
	if len(senders) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(senders, " OR "))
	}

	return b.String()
}
