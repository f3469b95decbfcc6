// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	osca "github.com/AlexNghiem/OrchestratingSingleCellAnalysis"
)

func main() {
	osca.Main()
}
