// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transfers

import "math"

// KB and MB are the binary units used by configuration keys and
// progress reports.
const (
	KB = int64(1) << 10
	MB = int64(1) << 20
)

// ToKilobytes converts a byte count to kilobytes, rounding half up.
func ToKilobytes(v int64) int64 {
	return int64(math.Round(float64(v) / float64(KB)))
}

// ToMegabytes converts a byte count to megabytes, rounding half up.
func ToMegabytes(v int64) int64 {
	return int64(math.Round(float64(v) / float64(MB)))
}
