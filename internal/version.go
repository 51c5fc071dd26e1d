// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package internal

import (
	"fmt"
	"strconv"
	"time"
)

var (
	commitVersion string = "v0.1.0" // Should be updated during build
	commitDate    string = ""       // commitDate in Epoch seconds (filled in during build)
)

// GetVersion returns the version plus the commit date when inserted
// at build time.
func GetVersion() string {
	msg := commitVersion
	if commitDate != "" {
		seconds, _ := strconv.Atoi(commitDate)
		t := time.Unix(int64(seconds), 0)
		msg += fmt.Sprintf(", date: %s", t.Format("2006-01-02"))
	}
	return msg
}

// PrintVersion prints the version to stdout.
func PrintVersion() {
	fmt.Printf("%s\n", GetVersion())
}
