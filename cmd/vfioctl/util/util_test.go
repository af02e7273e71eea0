/*
 * Copyright (c) 2024, the vfioctl authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCapitalize(t *testing.T) {
	require.Equal(t, "Error doing thing", Capitalize("error doing thing"))
	require.Equal(t, "X", Capitalize("x"))
}

func TestNormalizeSlot(t *testing.T) {
	testCases := []struct {
		input         string
		expected      string
		expectedError bool
	}{
		{"0000:01:00.0", "0000:01:00.0", false},
		{"01:00.0", "0000:01:00.0", false},
		{"0000:81:00.1", "0000:81:00.1", false},
		{"0000:01:00", "", true},
		{"gpu0", "", true},
		{"zz:00.0", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			normalized, err := NormalizeSlot(tc.input)
			if tc.expectedError {
				require.NotNil(t, err)
				return
			}
			require.Nil(t, err)
			require.Equal(t, tc.expected, normalized)
		})
	}
}
