// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package math

import "sort"

// reverseFloat64Slice sorts float64 values in descending order.
type reverseFloat64Slice []float64

var _ sort.Interface = reverseFloat64Slice{}

func (r reverseFloat64Slice) Len() int {
	return len(r)
}

func (r reverseFloat64Slice) Less(i, j int) bool {
	return r[i] > r[j]
}

func (r reverseFloat64Slice) Swap(i, j int) {
	r[i], r[j] = r[j], r[i]
}
