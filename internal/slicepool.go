// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package internal

import (
	"sync"
)

// docSlices pool to reduce allocations when comparing large result sets
var docSlices = sync.Pool{
	// New is called when a new instance is needed
	New: func() interface{} {
		return make([]interface{}, 0, 64)
	},
}

// GetDocSlice fetches an empty working copy from the pool
func GetDocSlice() []interface{} {
	return docSlices.Get().([]interface{})[:0]
}

// PutDocSlice returns a working copy to the pool, dropping references to the
// documents it held so the pool does not pin them
func PutDocSlice(slice []interface{}) {
	for i := range slice {
		slice[i] = nil
	}
	docSlices.Put(slice[:0])
}
