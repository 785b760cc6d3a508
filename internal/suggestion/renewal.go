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

package suggestion

import "time"

// Billing cycles understood by the renewal computation.
const (
	CycleMonthly   = "monthly"
	CycleQuarterly = "quarterly"
	CycleYearly    = "yearly"
	CycleOneTime   = "one-time"
)

// NextRenewalDate advances a billing date forward by one cycle
// increment: monthly +1 month, quarterly +3 months, yearly +1 year.
// One-time (and unknown) cycles do not advance — the billing date is
// returned unchanged.
func NextRenewalDate(billingDate time.Time, cycle string) time.Time {
	switch cycle {
	case CycleMonthly:
		return billingDate.AddDate(0, 1, 0)
	case CycleQuarterly:
		return billingDate.AddDate(0, 3, 0)
	case CycleYearly:
		return billingDate.AddDate(1, 0, 0)
	default:
		return billingDate
	}
}
