// Copyright 2025 Blink Labs Software
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

package priority

import (
	"cmp"
	"slices"
)

type Ranked struct {
	GrievanceID string    `json:"grievanceId"`
	Breakdown   Breakdown `json:"breakdown"`
}

// Sort orders by total score, highest first. Equal totals are ordered by
// grievance id so the ranking is stable across calls.
func Sort(items []Ranked) {
	slices.SortFunc(items, func(a, b Ranked) int {
		if c := cmp.Compare(b.Breakdown.TotalScore, a.Breakdown.TotalScore); c != 0 {
			return c
		}
		return cmp.Compare(a.GrievanceID, b.GrievanceID)
	})
}
